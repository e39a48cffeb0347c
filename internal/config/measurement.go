package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrMalformedConfig marks a CHANGE payload that is not valid JSON, misses a
// key, or carries an invalid value.
var ErrMalformedConfig = errors.New("malformed configuration")

// Measurement is what the worker measures with until the next CHANGE. It is
// replaced wholesale, never patched.
type Measurement struct {
	IperfAddr string `json:"iperf_addr"`
	IperfPort string `json:"iperf_port"`
	Iface     string `json:"iface"`
	Target    string `json:"target"`
	Out       string `json:"out"`
	Pwd       string `json:"pwd"`
}

// OutputPath is where the dataset lives: Out itself when absolute,
// otherwise Out relative to Pwd.
func (m Measurement) OutputPath() string {
	if filepath.IsAbs(m.Out) {
		return m.Out
	}
	return filepath.Join(m.Pwd, m.Out)
}

// ParseMeasurement decodes and validates a CHANGE payload. Every key must be
// present; only iperf_port may be empty.
func ParseMeasurement(payload string) (Measurement, error) {
	var raw struct {
		IperfAddr *string `json:"iperf_addr"`
		IperfPort *string `json:"iperf_port"`
		Iface     *string `json:"iface"`
		Target    *string `json:"target"`
		Out       *string `json:"out"`
		Pwd       *string `json:"pwd"`
	}
	decoder := json.NewDecoder(strings.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&raw); err != nil {
		return Measurement{}, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return Measurement{}, fmt.Errorf("%w: trailing data after JSON object", ErrMalformedConfig)
	}

	fields := []struct {
		key   string
		value *string
	}{
		{"iperf_addr", raw.IperfAddr},
		{"iperf_port", raw.IperfPort},
		{"iface", raw.Iface},
		{"target", raw.Target},
		{"out", raw.Out},
		{"pwd", raw.Pwd},
	}
	for _, f := range fields {
		if f.value == nil {
			return Measurement{}, fmt.Errorf("%w: missing key %q", ErrMalformedConfig, f.key)
		}
	}

	m := Measurement{
		IperfAddr: strings.TrimSpace(*raw.IperfAddr),
		IperfPort: strings.TrimSpace(*raw.IperfPort),
		Iface:     strings.TrimSpace(*raw.Iface),
		Target:    strings.TrimSpace(*raw.Target),
		Out:       strings.TrimSpace(*raw.Out),
		Pwd:       strings.TrimSpace(*raw.Pwd),
	}
	if err := m.Validate(); err != nil {
		return Measurement{}, err
	}
	return m, nil
}

// Validate checks the values of an already decoded configuration.
func (m Measurement) Validate() error {
	required := []struct{ key, value string }{
		{"iperf_addr", m.IperfAddr},
		{"iface", m.Iface},
		{"target", m.Target},
		{"out", m.Out},
		{"pwd", m.Pwd},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%w: %s must not be empty", ErrMalformedConfig, r.key)
		}
	}
	if strings.ContainsAny(m.Iface, " /\x00") {
		return fmt.Errorf("%w: invalid iface %q", ErrMalformedConfig, m.Iface)
	}
	if strings.HasPrefix(m.Target, "-") || strings.HasPrefix(m.IperfAddr, "-") {
		return fmt.Errorf("%w: target and iperf_addr must not start with '-'", ErrMalformedConfig)
	}
	if _, _, err := ParsePortRange(m.IperfPort); err != nil {
		return fmt.Errorf("%w: iperf_port: %v", ErrMalformedConfig, err)
	}
	return nil
}

// Encode renders the configuration as a CHANGE payload.
func (m Measurement) Encode() (string, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(m); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// ParsePortRange accepts "", "N" or "N-M". An empty spec returns 0, 0 and
// means the tool's default port.
func ParsePortRange(spec string) (int, int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, 0, nil
	}
	lo, hi, isRange := strings.Cut(spec, "-")
	first, err := parsePort(lo)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return first, first, nil
	}
	last, err := parsePort(hi)
	if err != nil {
		return 0, 0, err
	}
	if last < first {
		return 0, 0, fmt.Errorf("port range %q is reversed", spec)
	}
	return first, last, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}
