package probe

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"wifisurvey/internal/execx"
)

const (
	DefaultPingCount       = 10
	DefaultPingWaitSeconds = 1
)

// Pinger measures round-trip latency with ping(8).
type Pinger struct {
	Runner execx.Runner
	Count  int
	// Timeout bounds the whole ping run; zero means Count+5 seconds.
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewPinger(runner execx.Runner, count int, logger *slog.Logger) *Pinger {
	if count <= 0 {
		count = DefaultPingCount
	}
	return &Pinger{Runner: runner, Count: count, Logger: logger}
}

func (p *Pinger) Measure(ctx context.Context, target string) Latency {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = time.Duration(p.Count+5) * time.Second
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	res, err := p.Runner.Run(ctx, "ping", "-c", strconv.Itoa(p.Count),
		"-W", strconv.Itoa(DefaultPingWaitSeconds), target)
	// ping exits non-zero when replies are missing; its output is still
	// meaningful then.
	var exitErr *execx.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		loggerOr(p.Logger).Warn("latency measure failed", "target", target, "err", err)
		return failedLatency()
	}
	if strings.TrimSpace(res.Stdout) == "" {
		loggerOr(p.Logger).Warn("latency measure produced no output", "target", target, "err", err)
		return failedLatency()
	}
	return ParsePing(res.Stdout)
}

func failedLatency() Latency {
	return Latency{LossPct: 100}
}

// ParsePing computes latency statistics from ping(8) output: per-reply
// "time=" values and the "N packets transmitted, M received" summary.
func ParsePing(out string) Latency {
	var (
		samples     []float64
		transmitted int
		received    = -1
	)
	for _, line := range strings.Split(out, "\n") {
		if _, after, ok := strings.Cut(line, "time="); ok {
			if f := strings.Fields(after); len(f) > 0 {
				if v, err := strconv.ParseFloat(f[0], 64); err == nil {
					samples = append(samples, v)
				}
			}
			continue
		}
		if strings.Contains(line, "packets transmitted") && strings.Contains(line, "received") {
			parts := strings.Split(line, ",")
			if len(parts) < 2 {
				continue
			}
			tx, err1 := strconv.Atoi(firstField(parts[0]))
			rx, err2 := strconv.Atoi(firstField(parts[1]))
			if err1 == nil && err2 == nil {
				transmitted, received = tx, rx
			}
		}
	}
	if received < 0 {
		received = len(samples)
	}

	l := Latency{LossPct: 100}
	if transmitted > 0 {
		l.LossPct = 100 * float64(transmitted-received) / float64(transmitted)
	}
	if len(samples) == 0 {
		return l
	}

	minV, maxV, sum := samples[0], samples[0], 0.0
	for _, v := range samples {
		sum += v
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	avg := sum / float64(len(samples))
	jitter := 0.0
	if len(samples) > 1 {
		var sq float64
		for _, v := range samples {
			sq += (v - avg) * (v - avg)
		}
		jitter = math.Sqrt(sq / float64(len(samples)-1))
	}
	l.AvgMs, l.MinMs, l.MaxMs, l.JitterMs = &avg, &minV, &maxV, &jitter
	l.Success = true
	return l
}

func firstField(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}
