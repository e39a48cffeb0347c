package model

import (
	"fmt"
	"time"
)

// Zone is a physical survey location: grid column, side of the corridor
// (0 left, 1 right) and position in the room (1 window, 2 middle, 3 door).
type Zone struct {
	X   int
	Y   int
	PIR int
}

// String renders the zone in wire form ("x,y,pir").
func (z Zone) String() string {
	return fmt.Sprintf("%d,%d,%d", z.X, z.Y, z.PIR)
}

// Row is a single measurement sample, one per START_MEASUREMENT.
type Row struct {
	Timestamp time.Time
	Iface     string

	SSID          string
	BSSID         string
	FreqMHz       string
	Channel       string
	SignalDBM     string
	TxBitrateMbps string

	PingTarget   string
	PingAvgMs    *float64 // nil when no reply arrived
	PingMinMs    *float64
	PingMaxMs    *float64
	PingJitterMs *float64
	PingLossPct  float64
	PingSuccess  bool

	DownloadMbps float64
	UploadMbps   float64

	Zone             Zone
	NTPSynced        bool
	ConnectedDevices int // -1 when the scan failed
}
