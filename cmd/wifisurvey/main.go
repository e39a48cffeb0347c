package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"wifisurvey/internal/config"
)

const usage = `wifisurvey - WiFi signal and throughput site survey

Usage:
  wifisurvey init    --config <path> [--iface <name>] [--force]
  wifisurvey survey  --config <path> [--building A] [--floor 1] [--iface <name>]
  wifisurvey measure --config <path> --zone x,y,pir|<name>
  wifisurvey worker  [--socket <path>] [--config <path>] [--log-level info]
  wifisurvey run     --iface <name> [--out survey.csv] [--zone x,y,pir] [--repeat] [--interval 1s]
  wifisurvey zones   [--config <path>] [--building A] [--floor 1]
  wifisurvey ap add  --floor A1 --x <px> --y <px> [--file ap_locations.csv]
  wifisurvey ap list --floor A1 [--file ap_locations.csv]
  wifisurvey stats   --in <dataset.csv>
  wifisurvey doctor  [--config <path>] [--iface <name>]

survey and measure start the worker through pkexec (or sudo) and talk to it
over a unix socket. run measures in-process and must itself run as root.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "init":
		handleInit(os.Args[2:])
	case "survey":
		handleSurvey(os.Args[2:])
	case "measure":
		handleMeasure(os.Args[2:])
	case "worker":
		handleWorker(os.Args[2:])
	case "run":
		handleRun(os.Args[2:])
	case "zones":
		handleZones(os.Args[2:])
	case "ap":
		handleAP(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "doctor":
		handleDoctor(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	titleStyle = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Faint(true)
)

// newLogger writes text logs to a terminal and JSON otherwise.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	options := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

// controllerConfig loads the controller section, creating an empty one when
// the file has none.
func controllerConfig(path string) (config.Config, *config.ControllerConfig) {
	cfg, err := loadConfig(path)
	if err != nil {
		fatal(err)
	}
	if cfg.Controller == nil {
		cfg.Controller = &config.ControllerConfig{}
	}
	return cfg, cfg.Controller
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fatal(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		os.Exit(130)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
