package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"wifisurvey/internal/config"
	"wifisurvey/internal/execx"
)

const (
	DefaultIperfDuration  = 10 * time.Second
	iperfConnectTimeoutMs = 3000
)

// Iperf3 runs a reverse (download) and a forward (upload) iperf3 session.
type Iperf3 struct {
	Runner   execx.Runner
	Duration time.Duration
	Logger   *slog.Logger
}

func NewIperf3(runner execx.Runner, duration time.Duration, logger *slog.Logger) *Iperf3 {
	if duration <= 0 {
		duration = DefaultIperfDuration
	}
	return &Iperf3{Runner: runner, Duration: duration, Logger: logger}
}

// Measure runs the download test and then the upload test. With a port
// range each test walks the range in order until a session succeeds, since
// public servers accept one client per port. The last error is returned
// when every port fails.
func (t *Iperf3) Measure(ctx context.Context, server, ports string) (Throughput, error) {
	candidates, err := portCandidates(ports)
	if err != nil {
		return Throughput{}, fmt.Errorf("%w: %v", ErrThroughput, err)
	}

	download, err := t.firstSuccess(ctx, server, candidates, true)
	if err != nil {
		return Throughput{}, err
	}
	upload, err := t.firstSuccess(ctx, server, candidates, false)
	if err != nil {
		return Throughput{}, err
	}
	return Throughput{DownloadMbps: download, UploadMbps: upload}, nil
}

func (t *Iperf3) firstSuccess(ctx context.Context, server string, ports []int, reverse bool) (float64, error) {
	var lastErr error
	for _, port := range ports {
		mbps, err := t.run(ctx, server, port, reverse)
		if err == nil {
			return mbps, nil
		}
		lastErr = err
		loggerOr(t.Logger).Debug("iperf3 session failed", "server", server, "port", port, "reverse", reverse, "err", err)
		if ctx.Err() != nil {
			break
		}
	}
	return 0, lastErr
}

func (t *Iperf3) run(ctx context.Context, server string, port int, reverse bool) (float64, error) {
	ctx, cancel := withTimeout(ctx, t.Duration+5*time.Second)
	defer cancel()

	seconds := int(math.Ceil(t.Duration.Seconds()))
	args := []string{"-c", server, "-J", "-t", strconv.Itoa(seconds),
		"--connect-timeout", strconv.Itoa(iperfConnectTimeoutMs)}
	if port > 0 {
		args = append(args, "-p", strconv.Itoa(port))
	}
	if reverse {
		args = append(args, "-R")
	}

	res, err := t.Runner.Run(ctx, "iperf3", args...)
	if err != nil {
		// iperf3 -J reports its own failures in the JSON document.
		if msg := iperfError(res.Stdout); msg != "" {
			return 0, fmt.Errorf("%w: %s", ErrThroughput, msg)
		}
		return 0, fmt.Errorf("%w: %v", ErrThroughput, err)
	}
	return ParseIperf(res.Stdout, reverse)
}

type iperfReport struct {
	Error string `json:"error"`
	End   struct {
		SumSent     *iperfSum `json:"sum_sent"`
		SumReceived *iperfSum `json:"sum_received"`
	} `json:"end"`
}

type iperfSum struct {
	BitsPerSecond float64 `json:"bits_per_second"`
}

// ParseIperf extracts the rate in Mbit/s, rounded to two decimals, from an
// iperf3 JSON report. A reverse run is measured on the receiving side and a
// forward run on the sending side.
func ParseIperf(out string, reverse bool) (float64, error) {
	var report iperfReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		return 0, fmt.Errorf("%w: decode iperf3 report: %v", ErrThroughput, err)
	}
	if report.Error != "" {
		return 0, fmt.Errorf("%w: %s", ErrThroughput, report.Error)
	}
	sum, field := report.End.SumSent, "sum_sent"
	if reverse {
		sum, field = report.End.SumReceived, "sum_received"
	}
	if sum == nil {
		return 0, fmt.Errorf("%w: iperf3 report has no end.%s", ErrThroughput, field)
	}
	return math.Round(sum.BitsPerSecond/1e4) / 100, nil
}

func iperfError(out string) string {
	var report iperfReport
	if json.Unmarshal([]byte(out), &report) != nil {
		return ""
	}
	return report.Error
}

func portCandidates(spec string) ([]int, error) {
	first, last, err := config.ParsePortRange(spec)
	if err != nil {
		return nil, err
	}
	if first == 0 {
		return []int{0}, nil
	}
	ports := make([]int, 0, last-first+1)
	for p := first; p <= last; p++ {
		ports = append(ports, p)
	}
	return ports, nil
}
