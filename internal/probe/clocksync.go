package probe

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"wifisurvey/internal/execx"
)

const DefaultClockSyncTimeout = 3 * time.Second

// ClockSync asks timedatectl, then chronyc, then ntpq whether the system
// clock is synchronized. The first tool that answers positively wins; when
// none does the clock is reported unsynchronized.
type ClockSync struct {
	Runner  execx.Runner
	Timeout time.Duration // per tool
	Logger  *slog.Logger
}

func NewClockSync(runner execx.Runner, logger *slog.Logger) *ClockSync {
	return &ClockSync{Runner: runner, Timeout: DefaultClockSyncTimeout, Logger: logger}
}

func (c *ClockSync) Synced(ctx context.Context) bool {
	if out, ok := c.run(ctx, "timedatectl", "show", "-p", "NTPSynchronized", "--value"); ok {
		if strings.EqualFold(strings.TrimSpace(out), "yes") {
			return true
		}
	}
	if out, ok := c.run(ctx, "chronyc", "tracking"); ok {
		for _, line := range strings.Split(out, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "Leap status") &&
				strings.Contains(strings.ToLower(line), "normal") {
				return true
			}
		}
	}
	if out, ok := c.run(ctx, "ntpq", "-p"); ok {
		for _, line := range strings.Split(out, "\n") {
			if strings.HasPrefix(line, "*") {
				return true
			}
		}
	}
	loggerOr(c.Logger).Warn("clock sync status unknown, assuming unsynchronized")
	return false
}

func (c *ClockSync) run(ctx context.Context, name string, args ...string) (string, bool) {
	ctx, cancel := withTimeout(ctx, c.Timeout)
	defer cancel()
	res, err := c.Runner.Run(ctx, name, args...)
	if err != nil {
		loggerOr(c.Logger).Debug("clock sync tool failed", "tool", name, "err", err)
		return "", false
	}
	return res.Stdout, true
}
