package survey

import "wifisurvey/internal/execx"

// RequiredTools are the binaries the worker's probes shell out to.
var RequiredTools = []string{"iperf3", "timedatectl", "ping", "nmcli", "arp-scan", "ip"}

// Dependency reports whether a tool is installed.
type Dependency struct {
	Name  string
	Found bool
}

// Dependencies checks RequiredTools with lookPath; nil uses PATH.
func Dependencies(lookPath func(string) bool) []Dependency {
	if lookPath == nil {
		lookPath = execx.LookPath
	}
	deps := make([]Dependency, 0, len(RequiredTools))
	for _, name := range RequiredTools {
		deps = append(deps, Dependency{Name: name, Found: lookPath(name)})
	}
	return deps
}

// Missing returns the names of the tools that were not found.
func Missing(deps []Dependency) []string {
	var names []string
	for _, d := range deps {
		if !d.Found {
			names = append(names, d.Name)
		}
	}
	return names
}
