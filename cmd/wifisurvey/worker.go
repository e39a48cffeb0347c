package main

import (
	"time"

	"github.com/spf13/pflag"

	"wifisurvey/internal/config"
	"wifisurvey/internal/execx"
	"wifisurvey/internal/pipeline"
	"wifisurvey/internal/privilege"
	"wifisurvey/internal/worker"
)

func handleWorker(args []string) {
	fs := pflag.NewFlagSet("worker", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	socket := fs.String("socket", "", "unix socket path")
	logLevel := fs.String("log-level", "", "debug|info|warn|error")
	pingCount := fs.Int("ping-count", 0, "echo requests per latency test")
	iperfDuration := fs.Int("iperf-duration", 0, "seconds per iperf3 session")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Worker == nil {
		cfg.Worker = &config.WorkerConfig{}
	}
	w := cfg.Worker
	if *socket != "" {
		w.Socket = *socket
	}
	if *logLevel != "" {
		w.LogLevel = *logLevel
	}
	if *pingCount > 0 {
		w.PingCount = *pingCount
	}
	if *iperfDuration > 0 {
		w.IperfDurationSec = *iperfDuration
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(config.Config{Worker: w}); err != nil {
		fatal(err)
	}

	logger := newLogger(w.LogLevel).With("component", "worker")

	// No socket is created unless both checks pass.
	if err := privilege.RequireRoot(); err != nil {
		fatal(err)
	}
	owner, err := privilege.Resolve(nil)
	if err != nil {
		fatal(err)
	}
	if err := privilege.SetProcessName("wifisurvey-wkr"); err != nil {
		logger.Debug("set process name", "error", err)
	}

	measurer := pipeline.New(execx.NewOSRunner(), pipeline.Options{
		PingCount:     w.PingCount,
		IperfDuration: time.Duration(w.IperfDurationSec) * time.Second,
	}, logger)

	ctx, cancel := signalContext()
	defer cancel()

	srv := worker.NewServer(w.Socket, owner, measurer, logger)
	fatal(srv.Serve(ctx))
}
