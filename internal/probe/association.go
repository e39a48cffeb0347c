package probe

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"wifisurvey/internal/execx"
)

const DefaultAssociationTimeout = 15 * time.Second

// NMCLIScanner reads the in-use access point from nmcli's terse wifi list.
type NMCLIScanner struct {
	Runner  execx.Runner
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewNMCLIScanner(runner execx.Runner, logger *slog.Logger) *NMCLIScanner {
	return &NMCLIScanner{Runner: runner, Timeout: DefaultAssociationTimeout, Logger: logger}
}

func (s *NMCLIScanner) Scan(ctx context.Context, iface string) Association {
	ctx, cancel := withTimeout(ctx, s.Timeout)
	defer cancel()

	res, err := s.Runner.Run(ctx, "nmcli", "-t", "-f", "IN-USE,SSID,BSSID,FREQ,CHAN,RATE,SIGNAL",
		"dev", "wifi", "list", "ifname", iface)
	if err != nil || res.Stdout == "" {
		loggerOr(s.Logger).Warn("association scan failed", "iface", iface, "err", err)
		return Association{}
	}
	a, ok := ParseNMCLI(res.Stdout)
	if !ok {
		loggerOr(s.Logger).Warn("no access point in use", "iface", iface)
	}
	return a
}

// ParseNMCLI picks the entry marked in use ("*") from nmcli terse output
// with the fields IN-USE,SSID,BSSID,FREQ,CHAN,RATE,SIGNAL.
func ParseNMCLI(out string) (Association, bool) {
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := splitTerse(line)
		if len(parts) < 7 {
			continue
		}
		if strings.TrimSpace(parts[0]) != "*" {
			continue
		}
		return Association{
			SSID:          strings.TrimSpace(parts[1]),
			BSSID:         strings.TrimSpace(parts[2]),
			FreqMHz:       strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[3]), " MHz")),
			Channel:       strings.TrimSpace(parts[4]),
			TxBitrateMbps: strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[5]), " Mbit/s")),
			SignalDBM:     strings.TrimSpace(parts[6]),
		}, true
	}
	return Association{}, false
}

// splitTerse splits a terse nmcli line on ':' that is not escaped with a
// backslash, and unescapes "\:" and "\\" in the fields.
func splitTerse(line string) []string {
	var (
		fields []string
		cur    strings.Builder
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && i+1 < len(line) && (line[i+1] == ':' || line[i+1] == '\\'):
			cur.WriteByte(line[i+1])
			i++
		case c == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(fields, cur.String())
}
