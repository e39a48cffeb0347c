package probe

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"wifisurvey/internal/addrutil"
	"wifisurvey/internal/execx"
)

const DefaultPeerCountTimeout = 15 * time.Second

// ARPCounter counts hosts on the interface's IPv4 subnet with arp-scan.
type ARPCounter struct {
	Runner  execx.Runner
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewARPCounter(runner execx.Runner, logger *slog.Logger) *ARPCounter {
	return &ARPCounter{Runner: runner, Timeout: DefaultPeerCountTimeout, Logger: logger}
}

func (c *ARPCounter) Count(ctx context.Context, iface string) int {
	ctx, cancel := withTimeout(ctx, c.Timeout)
	defer cancel()
	log := loggerOr(c.Logger).With("iface", iface)

	res, err := c.Runner.Run(ctx, "ip", "-4", "-o", "addr", "show", "dev", iface)
	if err != nil {
		log.Warn("peer count: address lookup failed", "err", err)
		return -1
	}
	subnet, ok := addrutil.Subnet(res.Stdout)
	if !ok {
		log.Warn("peer count: interface has no IPv4 address")
		return -1
	}

	res, err = c.Runner.Run(ctx, "arp-scan", "-x", "-I", iface, subnet)
	if err != nil || res.Stdout == "" {
		log.Warn("peer count: arp-scan failed", "subnet", subnet, "err", err)
		return -1
	}
	n := 0
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}
