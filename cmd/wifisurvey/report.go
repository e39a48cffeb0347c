package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"wifisurvey/internal/config"
	"wifisurvey/internal/dataset"
	"wifisurvey/internal/execx"
	"wifisurvey/internal/privilege"
	"wifisurvey/internal/probe"
	"wifisurvey/internal/stunutil"
	"wifisurvey/internal/survey"
)

func handleZones(args []string) {
	fs := pflag.NewFlagSet("zones", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	building := fs.String("building", "", "building letter")
	floor := fs.Int("floor", 0, "floor number")
	dataDir := fs.String("data-dir", "", "directory for datasets")
	_ = fs.Parse(args)

	cfg, c := controllerConfig(*configPath)
	if *building != "" {
		c.Building = *building
	}
	if *floor > 0 {
		c.Floor = *floor
	}
	if *dataDir != "" {
		c.DataDir = *dataDir
	}
	config.ApplyDefaults(&cfg)

	location := survey.Location(c.Building, c.Floor)
	path := filepath.Join(c.DataDir, survey.DatasetName(c.Building, c.Floor))
	done, err := survey.DoneZonesIn(path)
	if err != nil {
		if !errors.Is(err, dataset.ErrMalformedRecord) {
			fatal(err)
		}
		warnMalformed(path, err)
	}
	printDoneZones(location, path, done)

	aps, err := survey.LoadAPs(apPath(c), location)
	if err != nil {
		fatal(err)
	}
	for _, ap := range aps {
		fmt.Fprintf(os.Stdout, "ap at x=%d y=%d\n", ap.X, ap.Y)
	}
}

func apPath(c *config.ControllerConfig) string {
	if filepath.IsAbs(c.APFile) {
		return c.APFile
	}
	return filepath.Join(c.DataDir, c.APFile)
}

func handleAP(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "ap subcommand required (add|list)\n")
		os.Exit(2)
	}
	sub := args[0]
	fs := pflag.NewFlagSet("ap "+sub, pflag.ExitOnError)
	file := fs.String("file", config.DefaultAPFile, "AP locations file")
	floor := fs.String("floor", "", "floor location, e.g. A1")
	x := fs.Int("x", -1, "x pixel on the floor plan")
	y := fs.Int("y", -1, "y pixel on the floor plan")
	_ = fs.Parse(args[1:])

	if *floor == "" {
		fatal(errors.New("--floor is required"))
	}
	location := strings.ToUpper(*floor)

	switch sub {
	case "add":
		if *x < 0 || *y < 0 {
			fatal(errors.New("--x and --y are required"))
		}
		owner, err := privilege.Resolve(nil)
		if err != nil {
			owner = privilege.Current()
		}
		if err := survey.SaveAP(*file, survey.AP{Floor: location, X: *x, Y: *y}, owner); err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stdout, "saved AP %s at x=%d y=%d\n", location, *x, *y)
	case "list":
		aps, err := survey.LoadAPs(*file, location)
		if err != nil {
			fatal(err)
		}
		if len(aps) == 0 {
			fmt.Fprintln(os.Stdout, "no access points recorded")
			return
		}
		for _, ap := range aps {
			fmt.Fprintf(os.Stdout, "%s x=%d y=%d\n", ap.Floor, ap.X, ap.Y)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown ap subcommand %q\n", sub)
		os.Exit(2)
	}
}

func handleStats(args []string) {
	fs := pflag.NewFlagSet("stats", pflag.ExitOnError)
	in := fs.String("in", "", "dataset file")
	window := fs.Duration("window", 0, "only rows newer than this (0 = all)")
	_ = fs.Parse(args)

	if *in == "" {
		fatal(errors.New("--in is required"))
	}
	rows, err := dataset.ReadRows(*in)
	if err != nil {
		if !errors.Is(err, dataset.ErrMalformedRecord) {
			fatal(err)
		}
		warnMalformed(*in, err)
	}
	if *window > 0 {
		cutoff := time.Now().Add(-*window)
		kept := rows[:0]
		for _, r := range rows {
			if !r.Timestamp.Before(cutoff) {
				kept = append(kept, r)
			}
		}
		rows = kept
	}

	summary := dataset.Summarize(rows)
	if summary.Count == 0 {
		fmt.Fprintln(os.Stdout, "no samples")
		return
	}

	fmt.Fprintf(os.Stdout, "samples=%d zones=%d bssids=%d from=%s to=%s\n", summary.Count, summary.DistinctZones, summary.DistinctBSSIDs, summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339))
	if summary.PingSamples > 0 {
		fmt.Fprintf(os.Stdout, "ping avg=%.2fms p95=%.2fms min=%.2fms max=%.2fms jitter avg=%.2fms\n", summary.AvgPingMs, summary.P95PingMs, summary.MinPingMs, summary.MaxPingMs, summary.AvgJitterMs)
	} else {
		fmt.Fprintln(os.Stdout, "ping n/a")
	}
	fmt.Fprintf(os.Stdout, "loss avg=%.2f%% download avg=%.2f Mbps upload avg=%.2f Mbps\n", summary.AvgLossPct, summary.AvgDownloadMbps, summary.AvgUploadMbps)
	if summary.SignalSamples > 0 {
		fmt.Fprintf(os.Stdout, "signal avg=%.1f dBm over %d samples\n", summary.AvgSignal, summary.SignalSamples)
	}
	if summary.NTPUnsyncedCount > 0 {
		fmt.Fprintln(os.Stdout, warnStyle.Render(fmt.Sprintf("%d samples taken with an unsynchronized clock", summary.NTPUnsyncedCount)))
	}
}

func handleDoctor(args []string) {
	fs := pflag.NewFlagSet("doctor", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	iface := fs.String("iface", "", "wireless interface")
	stunServers := fs.String("stun", "", "comma-separated STUN servers")
	timeout := fs.Duration("timeout", 3*time.Second, "per-check timeout")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	c := cfg.Controller
	if c == nil {
		c = &config.ControllerConfig{}
	}
	if *iface == "" {
		*iface = c.Iface
	}

	ok := func(format string, a ...any) {
		fmt.Fprintln(os.Stdout, okStyle.Render("ok   ")+fmt.Sprintf(format, a...))
	}
	warn := func(format string, a ...any) {
		fmt.Fprintln(os.Stdout, warnStyle.Render("warn ")+fmt.Sprintf(format, a...))
	}
	bad := func(format string, a ...any) {
		fmt.Fprintln(os.Stdout, errStyle.Render("fail ")+fmt.Sprintf(format, a...))
	}

	failed := false
	fmt.Fprintln(os.Stdout, titleStyle.Render("tools"))
	for _, d := range survey.Dependencies(nil) {
		if d.Found {
			ok("%s", d.Name)
		} else {
			bad("%s not found in PATH", d.Name)
			failed = true
		}
	}

	if *configPath != "" {
		fmt.Fprintln(os.Stdout, titleStyle.Render("config"))
		if err := config.Validate(cfg); err != nil {
			bad("%v", err)
			failed = true
		} else {
			ok("%s", *configPath)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	runner := execx.NewOSRunner()

	fmt.Fprintln(os.Stdout, titleStyle.Render("host"))
	if err := privilege.RequireRoot(); err != nil {
		ok("running unprivileged (the worker is elevated on demand)")
	} else {
		warn("running as root")
	}
	if names, err := probe.ListInterfaces(ctx, runner); err != nil {
		warn("list interfaces: %v", err)
	} else {
		ok("interfaces: %s", strings.Join(names, " "))
	}
	if probe.NewClockSync(runner, nil).Synced(ctx) {
		ok("clock synchronized")
	} else {
		warn("clock not synchronized; timestamps may drift")
	}
	if *iface != "" {
		assoc := probe.NewNMCLIScanner(runner, nil).Scan(ctx, *iface)
		if assoc.SSID == "" && assoc.BSSID == "" {
			warn("%s is not associated", *iface)
		} else {
			ok("%s on %s (%s) ch %s signal %s", *iface, assoc.SSID, assoc.BSSID, assoc.Channel, assoc.SignalDBM)
		}
	}

	fmt.Fprintln(os.Stdout, titleStyle.Render("uplink"))
	servers := splitList(*stunServers)
	if len(servers) == 0 {
		servers = c.STUNServers
	}
	if len(servers) == 0 {
		servers = stunutil.DefaultServers
	}
	checkUplink(ctx, servers, *timeout, ok, warn)

	if failed {
		os.Exit(1)
	}
}

func checkUplink(ctx context.Context, servers []string, timeout time.Duration, ok, warn func(string, ...any)) {
	uplink, err := stunutil.CheckUplink(ctx, servers, timeout)
	if err != nil {
		warn("%v", err)
		return
	}
	for _, b := range uplink.Bindings {
		if b.Err != nil {
			warn("%s: %v", b.Server, b.Err)
		}
	}
	if best := uplink.Fastest(); best != nil {
		ok("%s mapped %s in %s", best.Server, best.MappedAddr, best.RTT.Round(time.Millisecond))
	}
}

// handleInit writes a config file with every default spelled out.
func handleInit(args []string) {
	fs := pflag.NewFlagSet("init", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	iface := fs.String("iface", "", "wireless interface")
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}
	if _, err := os.Stat(*configPath); err == nil && !*force {
		fatal(fmt.Errorf("%s exists (use --force to overwrite)", *configPath))
	}
	cfg := config.Config{
		Controller: &config.ControllerConfig{Iface: *iface, STUNServers: stunutil.DefaultServers},
		Worker:     &config.WorkerConfig{},
	}
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", *configPath)
	if *iface == "" {
		fmt.Fprintln(os.Stdout, warnStyle.Render("controller.iface is empty; set it before running survey"))
	}
}
