package tui

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"
)

const (
	// gaugeMax is the intensity (m/s^2 of deviation) drawn as a full bar.
	gaugeMax = 5.0
	gaugeFPS = 20
)

// gauge eases the drawn intensity toward the latest average on a spring,
// so the bar glides instead of jumping every telemetry refresh.
type gauge struct {
	spring  harmonica.Spring
	pos     float64
	vel     float64
	target  float64
	defined bool
}

func newGauge() gauge {
	return gauge{spring: harmonica.NewSpring(harmonica.FPS(gaugeFPS), 6.0, 1.0)}
}

func (g *gauge) SetTarget(v float64, defined bool) {
	g.defined = defined
	if !defined {
		v = 0
	}
	g.target = math.Max(0, math.Min(v, gaugeMax))
}

// Step advances the spring by one frame.
func (g *gauge) Step() {
	g.pos, g.vel = g.spring.Update(g.pos, g.vel, g.target)
}

// Settled reports whether another Step would not visibly move the bar.
func (g *gauge) Settled() bool {
	return math.Abs(g.pos-g.target) < 0.005 && math.Abs(g.vel) < 0.005
}

func (g gauge) Render(width int) string {
	if width < 10 {
		width = 10
	}
	frac := g.pos / gaugeMax
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	filled := int(math.Round(frac * float64(width)))

	color := ColorIntensityLow
	switch {
	case frac >= 0.66:
		color = ColorIntensityHigh
	case frac >= 0.33:
		color = ColorIntensityMid
	}
	bar := lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("█", filled)) +
		StyleDimmed.Render(strings.Repeat("░", width-filled))

	label := "—"
	if g.defined {
		label = fmt.Sprintf("%.2f", g.target)
	}
	return bar + " " + StyleValue.Render(label)
}
