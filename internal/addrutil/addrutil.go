// Package addrutil parses the address listings printed by iproute2.
package addrutil

import (
	"net/netip"
	"strings"
)

// FirstInet returns the first IPv4 "inet A/N" address in `ip addr show`
// output, or false when there is none.
func FirstInet(out string) (netip.Prefix, bool) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		for i := 0; i+1 < len(fields); i++ {
			if fields[i] != "inet" {
				continue
			}
			p, err := netip.ParsePrefix(fields[i+1])
			if err != nil || !p.Addr().Is4() {
				continue
			}
			return p, true
		}
	}
	return netip.Prefix{}, false
}

// Subnet returns the network of the first IPv4 address with host bits
// cleared, e.g. "192.168.1.0/24".
func Subnet(out string) (string, bool) {
	p, ok := FirstInet(out)
	if !ok {
		return "", false
	}
	return p.Masked().String(), true
}

// InetInterfaces lists the interface names that carry an IPv4 address in
// one-line (`ip -o addr show`) output, in listing order and without
// duplicates.
func InetInterfaces(out string) []string {
	seen := map[string]bool{}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || !strings.HasSuffix(fields[0], ":") || fields[2] != "inet" {
			continue
		}
		name := fields[1]
		if i := strings.IndexByte(name, '@'); i > 0 {
			name = name[:i]
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}
