package probe

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"wifisurvey/internal/execx"
)

func exitErr(name, stderr string) error {
	return &execx.ExitError{Name: name, ExitCode: 1, Stderr: stderr}
}

func TestClockSync_FallsThroughTools(t *testing.T) {
	t.Parallel()

	r := newScriptRunner().
		on("timedatectl show -p NTPSynchronized --value", "no", nil).
		on("chronyc tracking", "Reference ID    : 0A000001\nLeap status     : Normal", nil)
	if !NewClockSync(r, nil).Synced(context.Background()) {
		t.Fatalf("expected synced via chronyc")
	}
	if calls := r.called(); len(calls) != 2 {
		t.Fatalf("calls=%v", calls)
	}
}

func TestClockSync_TimedatectlShortCircuits(t *testing.T) {
	t.Parallel()

	r := newScriptRunner().on("timedatectl show -p NTPSynchronized --value", "yes", nil)
	if !NewClockSync(r, nil).Synced(context.Background()) {
		t.Fatalf("expected synced")
	}
	if calls := r.called(); len(calls) != 1 {
		t.Fatalf("calls=%v", calls)
	}
}

func TestClockSync_NtpqPeer(t *testing.T) {
	t.Parallel()

	r := newScriptRunner().
		on("chronyc tracking", "Leap status     : Not synchronised", nil).
		on("ntpq -p", "     remote           refid      st t when poll reach   delay   offset  jitter\n"+
			"==============================================================================\n"+
			"*ntp1.example.net .GPS.            1 u   33   64  377    1.234    0.012   0.020", nil)
	if !NewClockSync(r, nil).Synced(context.Background()) {
		t.Fatalf("expected synced via ntpq")
	}
}

func TestClockSync_NothingAvailable(t *testing.T) {
	t.Parallel()

	if NewClockSync(newScriptRunner(), nil).Synced(context.Background()) {
		t.Fatalf("expected unsynchronized")
	}
}

const nmcliList = ` :Guest:11\:22\:33\:44\:55\:66:2437 MHz:6:130 Mbit/s:40
*:Lab\:5G:AA\:BB\:CC\:DD\:EE\:FF:5180 MHz:36:270 Mbit/s:74
 :eduroam:AA\:BB\:CC\:DD\:EE\:00:5500 MHz:100:540 Mbit/s:62`

func TestParseNMCLI_InUseEntry(t *testing.T) {
	t.Parallel()

	a, ok := ParseNMCLI(nmcliList)
	if !ok {
		t.Fatal("expected an in-use entry")
	}
	want := Association{
		SSID:          "Lab:5G",
		BSSID:         "AA:BB:CC:DD:EE:FF",
		FreqMHz:       "5180",
		Channel:       "36",
		SignalDBM:     "74",
		TxBitrateMbps: "270",
	}
	if a != want {
		t.Fatalf("a=%+v", a)
	}
}

func TestParseNMCLI_NoneInUse(t *testing.T) {
	t.Parallel()

	if a, ok := ParseNMCLI(" :Guest:11\\:22\\:33\\:44\\:55\\:66:2437 MHz:6:130 Mbit/s:40"); ok || a != (Association{}) {
		t.Fatalf("a=%+v ok=%v", a, ok)
	}
}

func TestNMCLIScanner_FailureIsEmpty(t *testing.T) {
	t.Parallel()

	r := newScriptRunner().on("nmcli -t -f IN-USE,SSID,BSSID,FREQ,CHAN,RATE,SIGNAL dev wifi list ifname wlan0", "", exitErr("nmcli", "boom"))
	if a := NewNMCLIScanner(r, nil).Scan(context.Background(), "wlan0"); a != (Association{}) {
		t.Fatalf("a=%+v", a)
	}
}

func TestARPCounter_CountsLines(t *testing.T) {
	t.Parallel()

	r := newScriptRunner().
		on("ip -4 -o addr show dev wlan0", "3: wlan0    inet 192.168.1.23/24 brd 192.168.1.255 scope global wlan0", nil).
		on("arp-scan -x -I wlan0 192.168.1.0/24", "192.168.1.1\taa:bb:cc:00:00:01\tRouter\n192.168.1.40\taa:bb:cc:00:00:02\t(Unknown)\n\n192.168.1.41\taa:bb:cc:00:00:03\t(Unknown)", nil)
	if got := NewARPCounter(r, nil).Count(context.Background(), "wlan0"); got != 3 {
		t.Fatalf("count=%d", got)
	}
}

func TestARPCounter_Failures(t *testing.T) {
	t.Parallel()

	noAddr := newScriptRunner().on("ip -4 -o addr show dev wlan0", "", nil)
	if got := NewARPCounter(noAddr, nil).Count(context.Background(), "wlan0"); got != -1 {
		t.Fatalf("no address: count=%d", got)
	}

	scanFails := newScriptRunner().
		on("ip -4 -o addr show dev wlan0", "3: wlan0    inet 10.0.0.5/8 scope global wlan0", nil).
		on("arp-scan -x -I wlan0 10.0.0.0/8", "", exitErr("arp-scan", "permission denied"))
	if got := NewARPCounter(scanFails, nil).Count(context.Background(), "wlan0"); got != -1 {
		t.Fatalf("scan fails: count=%d", got)
	}
}

const pingOK = `PING 1.1.1.1 (1.1.1.1) 56(84) bytes of data.
64 bytes from 1.1.1.1: icmp_seq=1 ttl=57 time=10.0 ms
64 bytes from 1.1.1.1: icmp_seq=2 ttl=57 time=12.0 ms
64 bytes from 1.1.1.1: icmp_seq=4 ttl=57 time=14.0 ms

--- 1.1.1.1 ping statistics ---
4 packets transmitted, 3 received, 25% packet loss, time 3004ms
rtt min/avg/max/mdev = 10.000/12.000/14.000/1.633 ms`

func TestParsePing_Stats(t *testing.T) {
	t.Parallel()

	l := ParsePing(pingOK)
	if !l.Success || l.LossPct != 25 {
		t.Fatalf("l=%+v", l)
	}
	if *l.AvgMs != 12 || *l.MinMs != 10 || *l.MaxMs != 14 {
		t.Fatalf("avg/min/max=%v/%v/%v", *l.AvgMs, *l.MinMs, *l.MaxMs)
	}
	if math.Abs(*l.JitterMs-2) > 1e-9 {
		t.Fatalf("jitter=%v", *l.JitterMs)
	}
}

func TestParsePing_SingleSampleJitterZero(t *testing.T) {
	t.Parallel()

	l := ParsePing("64 bytes from 1.1.1.1: icmp_seq=1 ttl=57 time=7.5 ms\n1 packets transmitted, 1 received, 0% packet loss")
	if !l.Success || *l.JitterMs != 0 || l.LossPct != 0 {
		t.Fatalf("l=%+v", l)
	}
}

func TestPinger_AllLost(t *testing.T) {
	t.Parallel()

	out := "PING 10.9.9.9 (10.9.9.9) 56(84) bytes of data.\n\n--- 10.9.9.9 ping statistics ---\n10 packets transmitted, 0 received, 100% packet loss, time 9213ms"
	r := newScriptRunner().on("ping -c 10 -W 1 10.9.9.9", out, exitErr("ping", ""))
	l := NewPinger(r, 10, nil).Measure(context.Background(), "10.9.9.9")
	if l.Success || l.LossPct != 100 {
		t.Fatalf("l=%+v", l)
	}
	if l.AvgMs != nil || l.MinMs != nil || l.MaxMs != nil || l.JitterMs != nil {
		t.Fatalf("expected nil timings: %+v", l)
	}
}

func TestPinger_ToolMissing(t *testing.T) {
	t.Parallel()

	r := &erroringRunner{err: errors.New("exec: \"ping\": executable file not found in $PATH")}
	l := NewPinger(r, 10, nil).Measure(context.Background(), "1.1.1.1")
	if l.Success || l.LossPct != 100 || l.AvgMs != nil {
		t.Fatalf("l=%+v", l)
	}
}

type erroringRunner struct{ err error }

func (r *erroringRunner) Run(context.Context, string, ...string) (execx.Result, error) {
	return execx.Result{ExitCode: -1}, r.err
}

func TestParseIperf_Rounding(t *testing.T) {
	t.Parallel()

	down, err := ParseIperf(`{"end":{"sum_received":{"bits_per_second":93412345.6}}}`, true)
	if err != nil || down != 93.41 {
		t.Fatalf("down=%v err=%v", down, err)
	}
	up, err := ParseIperf(`{"end":{"sum_sent":{"bits_per_second":40067000}}}`, false)
	if err != nil || up != 40.07 {
		t.Fatalf("up=%v err=%v", up, err)
	}
}

func TestParseIperf_Errors(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"error field":   `{"error":"unable to connect to server: Connection refused"}`,
		"not json":      `iperf3: error - the server is busy running a test`,
		"missing field": `{"end":{"sum_sent":{"bits_per_second":1}}}`,
	}
	for name, out := range cases {
		if _, err := ParseIperf(out, true); !errors.Is(err, ErrThroughput) {
			t.Fatalf("%s: err=%v", name, err)
		}
	}
}

const (
	iperfDown = `{"end":{"sum_received":{"bits_per_second":93410000}}}`
	iperfUp   = `{"end":{"sum_sent":{"bits_per_second":40070000}}}`
	iperfBusy = `{"error":"the server is busy running a test. try again later"}`
)

func TestIperf3_DefaultPort(t *testing.T) {
	t.Parallel()

	r := newScriptRunner().
		on("iperf3 -c srv -J -t 10 --connect-timeout 3000 -R", iperfDown, nil).
		on("iperf3 -c srv -J -t 10 --connect-timeout 3000", iperfUp, nil)
	tp, err := NewIperf3(r, 0, nil).Measure(context.Background(), "srv", "")
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if tp.DownloadMbps != 93.41 || tp.UploadMbps != 40.07 {
		t.Fatalf("tp=%+v", tp)
	}
}

func TestIperf3_WalksPortRange(t *testing.T) {
	t.Parallel()

	r := newScriptRunner().
		on("iperf3 -c srv -J -t 10 --connect-timeout 3000 -p 5201 -R", iperfBusy, exitErr("iperf3", "")).
		on("iperf3 -c srv -J -t 10 --connect-timeout 3000 -p 5202 -R", iperfDown, nil).
		on("iperf3 -c srv -J -t 10 --connect-timeout 3000 -p 5201", iperfUp, nil)
	tp, err := NewIperf3(r, 0, nil).Measure(context.Background(), "srv", "5201-5203")
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if tp.DownloadMbps != 93.41 || tp.UploadMbps != 40.07 {
		t.Fatalf("tp=%+v", tp)
	}
	want := []string{
		"iperf3 -c srv -J -t 10 --connect-timeout 3000 -p 5201 -R",
		"iperf3 -c srv -J -t 10 --connect-timeout 3000 -p 5202 -R",
		"iperf3 -c srv -J -t 10 --connect-timeout 3000 -p 5201",
	}
	calls := r.called()
	if strings.Join(calls, "\n") != strings.Join(want, "\n") {
		t.Fatalf("calls=%v", calls)
	}
}

func TestIperf3_NonZeroExitFails(t *testing.T) {
	t.Parallel()

	r := newScriptRunner().
		on("iperf3 -c srv -J -t 10 --connect-timeout 3000 -p 5201 -R", "", exitErr("iperf3", "unable to connect to server"))
	_, err := NewIperf3(r, 0, nil).Measure(context.Background(), "srv", "5201")
	if !errors.Is(err, ErrThroughput) {
		t.Fatalf("err=%v", err)
	}
	if !strings.Contains(err.Error(), "unable to connect to server") {
		t.Fatalf("err=%v", err)
	}
}

func TestIperf3_BadPortSpec(t *testing.T) {
	t.Parallel()

	_, err := NewIperf3(newScriptRunner(), 0, nil).Measure(context.Background(), "srv", "70000")
	if !errors.Is(err, ErrThroughput) {
		t.Fatalf("err=%v", err)
	}
}

func TestListInterfaces(t *testing.T) {
	t.Parallel()

	r := newScriptRunner().on("ip -o -4 addr show",
		"1: lo    inet 127.0.0.1/8 scope host lo\n3: wlan0    inet 192.168.1.23/24 scope global wlan0", nil)
	got, err := ListInterfaces(context.Background(), r)
	if err != nil {
		t.Fatalf("ListInterfaces: %v", err)
	}
	if len(got) != 2 || got[1] != "wlan0" {
		t.Fatalf("got=%v", got)
	}
}
