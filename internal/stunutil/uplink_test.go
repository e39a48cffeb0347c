package stunutil

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pion/stun/v3"
)

// serveSTUN answers binding requests on a loopback UDP socket with the
// sender's address.
func serveSTUN(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			udp := from.(*net.UDPAddr)
			resp, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: udp.IP, Port: udp.Port},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			conn.WriteTo(resp.Raw, from)
		}
	}()
	return conn.LocalAddr().String()
}

func TestCheckUplink_LocalServer(t *testing.T) {
	t.Parallel()

	server := serveSTUN(t)
	u, err := CheckUplink(context.Background(), []string{server}, 2*time.Second)
	if err != nil {
		t.Fatalf("CheckUplink: %v", err)
	}
	best := u.Fastest()
	if best == nil {
		t.Fatalf("no binding: %+v", u.Bindings)
	}
	if !strings.HasPrefix(best.MappedAddr, "127.0.0.1:") {
		t.Fatalf("mapped=%q", best.MappedAddr)
	}
	if best.Server != server || !u.Reachable() {
		t.Fatalf("uplink=%+v", u)
	}
}

func TestCheckUplink_Unanswered(t *testing.T) {
	t.Parallel()

	// A bound socket that never replies.
	silent, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer silent.Close()

	u, err := CheckUplink(context.Background(), []string{silent.LocalAddr().String()}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("CheckUplink: %v", err)
	}
	if u.Reachable() || len(u.Bindings) != 1 {
		t.Fatalf("uplink=%+v", u)
	}
	if !errors.Is(u.Bindings[0].Err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", u.Bindings[0].Err)
	}
}

func TestCheckUplink_NoServers(t *testing.T) {
	t.Parallel()

	if _, err := CheckUplink(context.Background(), nil, time.Second); err == nil {
		t.Fatalf("expected error")
	}
}

func TestUplink_Fastest(t *testing.T) {
	t.Parallel()

	u := Uplink{Bindings: []Binding{
		{Server: "a", RTT: 30 * time.Millisecond, MappedAddr: "1.2.3.4:1"},
		{Server: "b", RTT: 5 * time.Millisecond, Err: errors.New("timeout")},
		{Server: "c", RTT: 10 * time.Millisecond, MappedAddr: "1.2.3.4:2"},
	}}
	if got := u.Fastest(); got == nil || got.Server != "c" {
		t.Fatalf("fastest=%+v", got)
	}
	if (Uplink{}).Reachable() {
		t.Fatalf("empty uplink reachable")
	}
}
