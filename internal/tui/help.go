package tui

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

const helpMarkdown = `# Stride

Counts steps from the accelerometer and streams a session summary to the
relay while a session runs.

| Key | Action |
| --- | --- |
| ` + "`s`" + ` | start a session |
| ` + "`x`" + ` | stop the session and send the final summary |
| ` + "`r`" + ` | drop the link and reconnect now |
| ` + "`?`" + ` | toggle this help |
| ` + "`q`" + ` | quit (stops a running session first) |

## Connection

* **connected**: summaries are delivered every telemetry interval.
* **connecting**: a dial is in flight.
* **disconnected**: summaries are dropped until the next retry succeeds.

Steps count a rising edge of acceleration away from gravity, at most one
every half second. Intensity is the mean deviation from gravity in m/s².
`

// renderHelp renders the help page for the given width, falling back to
// the raw markdown when the renderer cannot be built.
func renderHelp(width int) string {
	if width < 40 {
		width = 40
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width-4),
	)
	if err != nil {
		return helpMarkdown
	}
	out, err := r.Render(helpMarkdown)
	if err != nil {
		return helpMarkdown
	}
	return strings.TrimRight(out, "\n")
}
