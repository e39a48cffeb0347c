package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"wifisurvey/internal/config"
	"wifisurvey/internal/dataset"
	"wifisurvey/internal/execx"
	"wifisurvey/internal/model"
	"wifisurvey/internal/pipeline"
	"wifisurvey/internal/privilege"
)

// handleRun measures in-process without a worker, appending to --out.
func handleRun(args []string) {
	fs := pflag.NewFlagSet("run", pflag.ExitOnError)
	iface := fs.String("iface", "", "wireless interface")
	target := fs.String("target", config.DefaultTarget, "latency target host")
	iperfAddr := fs.String("iperf-addr", config.DefaultIperfAddr, "iperf3 server")
	iperfPort := fs.String("iperf-port", config.DefaultIperfPort, "iperf3 port or range (N-M)")
	out := fs.String("out", "survey.csv", "dataset file")
	zoneArg := fs.String("zone", "0,0,0", "zone as x,y,pir or name")
	repeat := fs.Bool("repeat", false, "measure until interrupted")
	interval := fs.Duration("interval", time.Second, "pause between repeated measurements")
	pingCount := fs.Int("ping-count", config.DefaultPingCount, "echo requests per latency test")
	logLevel := fs.String("log-level", "info", "debug|info|warn|error")
	_ = fs.Parse(args)

	logger := newLogger(*logLevel)
	if *iface == "" {
		fatal(errors.New("--iface is required"))
	}
	zone := model.Zone{}
	if *zoneArg != "0,0,0" {
		z, err := parseZoneInput(*zoneArg)
		if err != nil {
			fatal(err)
		}
		zone = z
	}
	if err := privilege.RequireRoot(); err != nil {
		fmt.Fprintln(os.Stderr, warnStyle.Render("not running as root: arp-scan and clock checks may fail"))
	}

	outPath, err := filepath.Abs(*out)
	if err != nil {
		fatal(err)
	}
	m := config.Measurement{
		IperfAddr: *iperfAddr,
		IperfPort: *iperfPort,
		Iface:     *iface,
		Target:    *target,
		Out:       outPath,
		Pwd:       filepath.Dir(outPath),
	}
	if err := m.Validate(); err != nil {
		fatal(err)
	}

	owner, err := privilege.Resolve(nil)
	if err != nil {
		owner = privilege.Current()
	}
	w, err := dataset.Open(m.OutputPath(), owner)
	if err != nil {
		fatal(err)
	}
	defer w.Close()

	p := pipeline.New(execx.NewOSRunner(), pipeline.Options{
		PingCount:     *pingCount,
		IperfDuration: time.Duration(config.DefaultIperfDurationSec) * time.Second,
	}, logger)

	ctx, cancel := signalContext()
	defer cancel()

	for {
		row, err := p.Run(ctx, m, zone)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			fmt.Fprintln(os.Stderr, errStyle.Render(err.Error()))
		default:
			if err := w.WriteRow(row); err != nil {
				w.Close()
				fatal(err)
			}
			printRow(row)
		}
		if !*repeat {
			if err != nil {
				w.Close()
				os.Exit(1)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(*interval):
		}
	}
}

func printRow(r model.Row) {
	ping := "n/a"
	if r.PingAvgMs != nil {
		ping = fmt.Sprintf("%.2fms", *r.PingAvgMs)
	}
	fmt.Fprintf(os.Stdout, "%s ssid=%s signal=%s ping=%s loss=%.1f%% down=%.2f up=%.2f Mbps devices=%d\n",
		r.Timestamp.Format(dataset.TimestampLayout), r.SSID, r.SignalDBM, ping,
		r.PingLossPct, r.DownloadMbps, r.UploadMbps, r.ConnectedDevices)
}
