// Package pipeline runs the ordered probe sequence that produces one
// dataset row.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"wifisurvey/internal/config"
	"wifisurvey/internal/execx"
	"wifisurvey/internal/model"
	"wifisurvey/internal/probe"
)

// Pipeline owns one implementation of every probe.
type Pipeline struct {
	Clock       probe.ClockSyncChecker
	Association probe.AssociationScanner
	Peers       probe.PeerCounter
	Latency     probe.LatencyTester
	Throughput  probe.ThroughputTester
	Now         func() time.Time
	Logger      *slog.Logger
}

// Options tune the default probe implementations.
type Options struct {
	PingCount     int
	IperfDuration time.Duration
}

// New wires the default OS-backed probes over runner.
func New(runner execx.Runner, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		Clock:       probe.NewClockSync(runner, logger),
		Association: probe.NewNMCLIScanner(runner, logger),
		Peers:       probe.NewARPCounter(runner, logger),
		Latency:     probe.NewPinger(runner, opts.PingCount, logger),
		Throughput:  probe.NewIperf3(runner, opts.IperfDuration, logger),
		Now:         time.Now,
		Logger:      logger,
	}
}

// Run executes the probes in order (clock sync, timestamp, association,
// peer count, latency, throughput) and merges the results into a row. A
// throughput failure aborts the run and no row is produced; every other
// probe degrades instead.
func (p *Pipeline) Run(ctx context.Context, cfg config.Measurement, zone model.Zone) (model.Row, error) {
	log := p.logger().With("iface", cfg.Iface, "zone", zone.String())
	start := time.Now()

	synced := p.Clock.Synced(ctx)
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	ts := now()

	log.Debug("scanning association")
	assoc := p.Association.Scan(ctx, cfg.Iface)
	log.Debug("counting peers")
	peers := p.Peers.Count(ctx, cfg.Iface)
	log.Debug("measuring latency", "target", cfg.Target)
	lat := p.Latency.Measure(ctx, cfg.Target)
	log.Debug("measuring throughput", "server", cfg.IperfAddr, "ports", cfg.IperfPort)
	tp, err := p.Throughput.Measure(ctx, cfg.IperfAddr, cfg.IperfPort)
	if err != nil {
		log.Warn("measurement aborted", "err", err)
		return model.Row{}, err
	}

	row := model.Row{
		Timestamp:        ts,
		Iface:            cfg.Iface,
		SSID:             assoc.SSID,
		BSSID:            assoc.BSSID,
		FreqMHz:          assoc.FreqMHz,
		Channel:          assoc.Channel,
		SignalDBM:        assoc.SignalDBM,
		TxBitrateMbps:    assoc.TxBitrateMbps,
		PingTarget:       cfg.Target,
		PingAvgMs:        lat.AvgMs,
		PingMinMs:        lat.MinMs,
		PingMaxMs:        lat.MaxMs,
		PingJitterMs:     lat.JitterMs,
		PingLossPct:      lat.LossPct,
		PingSuccess:      lat.Success,
		DownloadMbps:     tp.DownloadMbps,
		UploadMbps:       tp.UploadMbps,
		Zone:             zone,
		NTPSynced:        synced,
		ConnectedDevices: peers,
	}
	log.Info("measurement complete",
		"ssid", row.SSID,
		"signal", row.SignalDBM,
		"loss_pct", row.PingLossPct,
		"download_mbps", row.DownloadMbps,
		"upload_mbps", row.UploadMbps,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return row, nil
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}
