package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"wifisurvey/internal/config"
	"wifisurvey/internal/controller"
	"wifisurvey/internal/dataset"
	"wifisurvey/internal/model"
	"wifisurvey/internal/protocol"
	"wifisurvey/internal/survey"
)

type controllerFlags struct {
	configPath *string
	socket     *string
	elevator   *string
	iface      *string
	target     *string
	iperfAddr  *string
	iperfPort  *string
	building   *string
	floor      *int
	dataDir    *string
	logLevel   *string
}

func addControllerFlags(fs *pflag.FlagSet) controllerFlags {
	return controllerFlags{
		configPath: fs.String("config", "", "path to YAML config"),
		socket:     fs.String("socket", "", "worker socket path"),
		elevator:   fs.String("elevator", "", "pkexec|sudo"),
		iface:      fs.String("iface", "", "wireless interface"),
		target:     fs.String("target", "", "latency target host"),
		iperfAddr:  fs.String("iperf-addr", "", "iperf3 server"),
		iperfPort:  fs.String("iperf-port", "", "iperf3 port or range (N-M)"),
		building:   fs.String("building", "", "building letter"),
		floor:      fs.Int("floor", 0, "floor number"),
		dataDir:    fs.String("data-dir", "", "directory for datasets"),
		logLevel:   fs.String("log-level", "warn", "debug|info|warn|error"),
	}
}

// resolve loads the controller config and applies flag overrides.
func (f controllerFlags) resolve() *config.ControllerConfig {
	cfg, c := controllerConfig(*f.configPath)
	overrideController(c, f)
	config.ApplyDefaults(&cfg)
	if err := config.Validate(config.Config{Controller: c}); err != nil {
		fatal(err)
	}
	return c
}

func overrideController(c *config.ControllerConfig, f controllerFlags) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Socket, *f.socket)
	set(&c.Elevator, *f.elevator)
	set(&c.Iface, *f.iface)
	set(&c.Target, *f.target)
	set(&c.IperfAddr, *f.iperfAddr)
	set(&c.IperfPort, *f.iperfPort)
	set(&c.Building, *f.building)
	set(&c.DataDir, *f.dataDir)
	if *f.floor > 0 {
		c.Floor = *f.floor
	}
}

// measurement is the CHANGE payload for the configured floor.
func measurement(c *config.ControllerConfig) (config.Measurement, error) {
	dir, err := filepath.Abs(c.DataDir)
	if err != nil {
		return config.Measurement{}, err
	}
	m := config.Measurement{
		IperfAddr: c.IperfAddr,
		IperfPort: c.IperfPort,
		Iface:     c.Iface,
		Target:    c.Target,
		Out:       survey.DatasetName(c.Building, c.Floor),
		Pwd:       dir,
	}
	return m, m.Validate()
}

var errWorkerGone = errors.New("worker disconnected")

type outcomeKind int

const (
	outcomeResponse outcomeKind = iota
	outcomeFinished
	outcomeCommandError
	outcomeDisconnected
)

type outcome struct {
	kind outcomeKind
	line string
	err  error
}

// session is a started worker plus the stream of its responses.
type session struct {
	client   *controller.Client
	outcomes chan outcome
}

func startSession(ctx context.Context, c *config.ControllerConfig, configPath string, logger *slog.Logger) (*session, error) {
	s := &session{outcomes: make(chan outcome, 16)}
	events := controller.Events{
		Connected: func() {
			fmt.Fprintln(os.Stdout, okStyle.Render("connected to worker"))
		},
		Finished: func() {
			s.push(outcome{kind: outcomeFinished, line: protocol.RespMeasurementFinished})
		},
		CommandError: func(ce protocol.CommandError) {
			s.push(outcome{kind: outcomeCommandError, line: ce.Command, err: errors.New(ce.Error)})
		},
		ResponseReceived: func(line string) {
			s.push(outcome{kind: outcomeResponse, line: line})
		},
		Disconnected: func(err error) {
			s.push(outcome{kind: outcomeDisconnected, err: err})
		},
	}

	launcher := controller.ElevatedLauncher{Elevator: c.Elevator, Logger: logger}
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return nil, err
		}
		launcher.ExtraArgs = []string{"--config", abs}
	}
	retry := controller.RetryPolicy{
		Attempts: c.ConnectAttempts,
		Interval: time.Duration(c.ConnectIntervalSec) * time.Second,
	}

	fmt.Fprintf(os.Stdout, "starting worker via %s...\n", c.Elevator)
	s.client = controller.NewClient(c.Socket, launcher, retry, events, logger)
	if err := s.client.Start(ctx); err != nil {
		s.client.Stop()
		return nil, err
	}
	return s, nil
}

// push never blocks the receive loop; nothing is waiting for frames beyond
// the buffer.
func (s *session) push(o outcome) {
	select {
	case s.outcomes <- o:
	default:
	}
}

// do sends one command and waits for its answer.
func (s *session) do(ctx context.Context, command string) (outcome, error) {
	if err := s.client.SendCommand(command); err != nil {
		return outcome{}, err
	}
	select {
	case o := <-s.outcomes:
		if o.kind == outcomeDisconnected {
			return o, fmt.Errorf("%w: %v", errWorkerGone, o.err)
		}
		return o, nil
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	}
}

func (s *session) configure(ctx context.Context, m config.Measurement) error {
	payload, err := m.Encode()
	if err != nil {
		return err
	}
	o, err := s.do(ctx, protocol.Change(payload).String())
	if err != nil {
		return err
	}
	switch {
	case o.kind == outcomeCommandError:
		return fmt.Errorf("CHANGE rejected: %w", o.err)
	case o.line != protocol.RespChangeOK:
		return fmt.Errorf("unexpected response to CHANGE: %s", o.line)
	}
	return nil
}

func (s *session) measure(ctx context.Context, zone model.Zone) error {
	fmt.Fprintf(os.Stdout, "measuring %s (%s), this takes about half a minute...\n",
		titleStyle.Render(survey.ZoneName(zone)), zone)
	o, err := s.do(ctx, protocol.StartMeasurement(zone).String())
	if err != nil {
		return err
	}
	switch o.kind {
	case outcomeFinished:
		fmt.Fprintln(os.Stdout, okStyle.Render("done: "+survey.ZoneName(zone)))
		return nil
	case outcomeCommandError:
		return fmt.Errorf("measurement failed: %w", o.err)
	}
	if o.line == protocol.RespEmptyArgs {
		return errors.New("worker has no configuration")
	}
	return fmt.Errorf("unexpected response: %s", o.line)
}

func (s *session) stop() {
	if err := s.client.Stop(); err != nil {
		fmt.Fprintln(os.Stderr, warnStyle.Render(fmt.Sprintf("worker stop: %v", err)))
	}
}

// parseZoneInput accepts "x,y,pir" or a zone name like "fl12".
func parseZoneInput(in string) (model.Zone, error) {
	in = strings.TrimSpace(in)
	if strings.Contains(in, ",") {
		return protocol.ParseZone(in)
	}
	return survey.ParseZoneName(in)
}

func handleSurvey(args []string) {
	fs := pflag.NewFlagSet("survey", pflag.ExitOnError)
	flags := addControllerFlags(fs)
	_ = fs.Parse(args)

	c := flags.resolve()
	logger := newLogger(*flags.logLevel)
	m, err := measurement(c)
	if err != nil {
		fatal(err)
	}

	location := survey.Location(c.Building, c.Floor)
	datasetPath := m.OutputPath()
	done, err := survey.DoneZonesIn(datasetPath)
	if err != nil {
		if !errors.Is(err, dataset.ErrMalformedRecord) {
			fatal(err)
		}
		warnMalformed(datasetPath, err)
	}
	printDoneZones(location, datasetPath, done)

	ctx, cancel := signalContext()
	defer cancel()

	s, err := startSession(ctx, c, *flags.configPath, logger)
	if err != nil {
		fatal(err)
	}
	if err := s.configure(ctx, m); err != nil {
		s.stop()
		fatal(err)
	}
	s.prompt(ctx, location, done)
	s.stop()
}

// prompt measures zones read from stdin until q, EOF or a signal.
func (s *session) prompt(ctx context.Context, location string, done []string) {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	lines := readLines(os.Stdin)
	for {
		if interactive {
			fmt.Fprint(os.Stdout, "zone (x,y,pir or name, q to quit): ")
		}
		var in string
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stdout)
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			in = strings.TrimSpace(line)
		}
		if in == "" {
			continue
		}
		if in == "q" || in == "quit" {
			return
		}
		zone, err := parseZoneInput(in)
		if err != nil {
			fmt.Fprintln(os.Stderr, errStyle.Render(err.Error()))
			continue
		}
		if err := s.measure(ctx, zone); err != nil {
			fmt.Fprintln(os.Stderr, errStyle.Render(err.Error()))
			if ctx.Err() != nil || errors.Is(err, errWorkerGone) || errors.Is(err, controller.ErrNotConnected) {
				return
			}
			continue
		}
		done = appendUnique(done, survey.ZoneName(zone))
		if interactive {
			fmt.Fprintf(os.Stdout, "%s %d zones done\n", dimStyle.Render(location), len(done))
		}
	}
}

func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			out <- scanner.Text()
		}
	}()
	return out
}

func handleMeasure(args []string) {
	fs := pflag.NewFlagSet("measure", pflag.ExitOnError)
	flags := addControllerFlags(fs)
	zoneArg := fs.String("zone", "", "zone as x,y,pir or name (e.g. fl12)")
	_ = fs.Parse(args)

	if *zoneArg == "" {
		fatal(errors.New("--zone is required"))
	}
	zone, err := parseZoneInput(*zoneArg)
	if err != nil {
		fatal(err)
	}
	c := flags.resolve()
	m, err := measurement(c)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	s, err := startSession(ctx, c, *flags.configPath, newLogger(*flags.logLevel))
	if err != nil {
		fatal(err)
	}
	err = s.configure(ctx, m)
	if err == nil {
		err = s.measure(ctx, zone)
	}
	s.stop()
	fatal(err)
}

func appendUnique(names []string, name string) []string {
	for _, n := range names {
		if n == name {
			return names
		}
	}
	return append(names, name)
}

func warnMalformed(path string, err error) {
	fmt.Fprintln(os.Stderr, warnStyle.Render(fmt.Sprintf("%s: %v", path, err)))
}

func printDoneZones(location, path string, done []string) {
	fmt.Fprintf(os.Stdout, "%s  %s\n", titleStyle.Render("floor "+location), dimStyle.Render(path))
	if len(done) == 0 {
		fmt.Fprintln(os.Stdout, "no zones measured yet")
		return
	}
	fmt.Fprintf(os.Stdout, "%d zones done: %s\n", len(done), okStyle.Render(strings.Join(done, " ")))
}
