// Package probe holds the OS diagnostics the measurement pipeline runs.
// Every probe shells out through an execx.Runner and bounds itself with its
// own timeout. All probes except throughput degrade to sentinel values
// instead of failing.
package probe

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrThroughput marks a throughput test that produced no usable result.
// It is the only probe failure that aborts a measurement.
var ErrThroughput = errors.New("throughput test failed")

// Association describes the access point the interface is connected to.
// Fields are empty when the scan failed or nothing is in use.
type Association struct {
	SSID          string
	BSSID         string
	FreqMHz       string
	Channel       string
	SignalDBM     string
	TxBitrateMbps string
}

// Latency is the outcome of an ICMP echo series. Timings are nil when no
// reply arrived.
type Latency struct {
	AvgMs    *float64
	MinMs    *float64
	MaxMs    *float64
	JitterMs *float64
	LossPct  float64
	Success  bool
}

// Throughput holds download and upload rates in Mbit/s.
type Throughput struct {
	DownloadMbps float64
	UploadMbps   float64
}

type ClockSyncChecker interface {
	Synced(ctx context.Context) bool
}

type AssociationScanner interface {
	Scan(ctx context.Context, iface string) Association
}

// PeerCounter returns the number of hosts answering ARP on the interface's
// subnet, or -1 when the count could not be taken.
type PeerCounter interface {
	Count(ctx context.Context, iface string) int
}

type LatencyTester interface {
	Measure(ctx context.Context, target string) Latency
}

// ThroughputTester runs a download and an upload test against server.
// ports is "", "N" or "N-M".
type ThroughputTester interface {
	Measure(ctx context.Context, server, ports string) (Throughput, error)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
