// Package stunutil checks that the survey host reaches the internet over
// UDP by asking STUN servers for its mapped address. The throughput server
// sits outside the local network, so a failing uplink explains a failing
// measurement before the worker is started.
package stunutil

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

// DefaultServers are queried when none are configured.
var DefaultServers = []string{"stun.l.google.com:19302", "stun.cloudflare.com:3478"}

// Binding is one server's answer.
type Binding struct {
	Server     string
	MappedAddr string
	RTT        time.Duration
	Err        error
}

// Uplink summarizes the bindings of all queried servers.
type Uplink struct {
	Bindings []Binding
}

// Reachable reports whether any server answered.
func (u Uplink) Reachable() bool {
	return u.Fastest() != nil
}

// Fastest returns the successful binding with the lowest round trip, or nil.
func (u Uplink) Fastest() *Binding {
	var best *Binding
	for i := range u.Bindings {
		b := &u.Bindings[i]
		if b.Err != nil {
			continue
		}
		if best == nil || b.RTT < best.RTT {
			best = b
		}
	}
	return best
}

// CheckUplink sends one binding request to every server in turn. Servers
// that do not answer within timeout are recorded with their error; the
// returned error is only set when servers is empty.
func CheckUplink(ctx context.Context, servers []string, timeout time.Duration) (Uplink, error) {
	if len(servers) == 0 {
		return Uplink{}, fmt.Errorf("no STUN servers provided")
	}
	var u Uplink
	for _, server := range servers {
		start := time.Now()
		addr, err := bind(ctx, server, timeout)
		u.Bindings = append(u.Bindings, Binding{
			Server:     server,
			MappedAddr: addr,
			RTT:        time.Since(start),
			Err:        err,
		})
		if ctx.Err() != nil {
			break
		}
	}
	return u, nil
}

func bind(ctx context.Context, server string, timeout time.Duration) (string, error) {
	raw := strings.TrimSpace(server)
	if raw == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(raw, "stun:") {
		raw = "stun:" + raw
	}
	uri, err := stun.ParseURI(raw)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", server, err)
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", server, err)
	}
	defer client.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type answer struct {
		addr string
		err  error
	}
	answers := make(chan answer, 2)
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	go func() {
		err := client.Do(msg, func(ev stun.Event) {
			if ev.Error != nil {
				answers <- answer{err: ev.Error}
				return
			}
			var xor stun.XORMappedAddress
			if err := xor.GetFrom(ev.Message); err != nil {
				answers <- answer{err: err}
				return
			}
			answers <- answer{addr: xor.String()}
		})
		if err != nil {
			answers <- answer{err: err}
		}
	}()

	select {
	case a := <-answers:
		return a.addr, a.err
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w", server, ctx.Err())
	}
}
