// Package device identifies the machine a session is recorded on. The
// receiver uses the identity to tell sessions from different hosts apart.
package device

import (
	"context"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

type Info struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	Platform string `json:"platform,omitempty"`
	OS       string `json:"os,omitempty"`
}

// String is the short form sent in headers and client ids.
func (i Info) String() string {
	if i.Hostname == "" {
		return i.ID
	}
	if i.ID == "" || i.ID == i.Hostname {
		return i.Hostname
	}
	short := i.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return i.Hostname + "-" + short
}

// Header names the sending device on websocket links. Devices set it and
// the receiver reads it.
const Header = "X-Stride-Device"

var hostInfo = host.InfoWithContext

// Identify asks the OS for host details. When that fails the hostname
// doubles as the id, so the result is never empty.
func Identify(ctx context.Context) Info {
	var info Info
	if stat, err := hostInfo(ctx); err == nil && stat != nil {
		info = Info{
			ID:       strings.ToLower(stat.HostID),
			Hostname: stat.Hostname,
			Platform: strings.TrimSpace(stat.Platform + " " + stat.PlatformVersion),
			OS:       stat.OS,
		}
	}
	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}
	if info.Hostname == "" {
		info.Hostname = "unknown"
	}
	if info.ID == "" {
		info.ID = info.Hostname
	}
	return info
}
