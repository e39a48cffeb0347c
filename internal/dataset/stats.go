package dataset

import (
	"math"
	"sort"
	"strconv"
	"time"

	"wifisurvey/internal/model"
)

// Summary is a basic statistics snapshot of a dataset.
type Summary struct {
	Count            int
	From             time.Time
	To               time.Time
	PingSamples      int
	AvgPingMs        float64
	P95PingMs        float64
	MinPingMs        float64
	MaxPingMs        float64
	AvgJitterMs      float64
	AvgLossPct       float64
	AvgDownloadMbps  float64
	AvgUploadMbps    float64
	SignalSamples    int
	AvgSignal        float64
	DistinctZones    int
	DistinctBSSIDs   int
	NTPUnsyncedCount int
}

// Summarize computes summary statistics over rows. Latency figures only
// consider rows where the ping succeeded; signal only rows where the
// association scan found the current network.
func Summarize(items []model.Row) Summary {
	if len(items) == 0 {
		return Summary{}
	}

	s := Summary{
		Count: len(items),
		From:  items[0].Timestamp,
		To:    items[0].Timestamp,
	}

	pings := make([]float64, 0, len(items))
	var sumPing, sumJitter, sumLoss, sumDown, sumUp, sumSignal float64
	minPing := math.MaxFloat64
	maxPing := 0.0
	zones := map[model.Zone]bool{}
	bssids := map[string]bool{}

	for _, r := range items {
		if r.Timestamp.Before(s.From) {
			s.From = r.Timestamp
		}
		if r.Timestamp.After(s.To) {
			s.To = r.Timestamp
		}
		sumLoss += r.PingLossPct
		sumDown += r.DownloadMbps
		sumUp += r.UploadMbps
		zones[r.Zone] = true
		if r.BSSID != "" {
			bssids[r.BSSID] = true
		}
		if !r.NTPSynced {
			s.NTPUnsyncedCount++
		}
		if r.PingAvgMs != nil {
			avg := *r.PingAvgMs
			pings = append(pings, avg)
			sumPing += avg
			if r.PingJitterMs != nil {
				sumJitter += *r.PingJitterMs
			}
			if avg < minPing {
				minPing = avg
			}
			if avg > maxPing {
				maxPing = avg
			}
		}
		if sig, err := strconv.ParseFloat(r.SignalDBM, 64); err == nil {
			sumSignal += sig
			s.SignalSamples++
		}
	}

	count := float64(len(items))
	s.AvgLossPct = sumLoss / count
	s.AvgDownloadMbps = sumDown / count
	s.AvgUploadMbps = sumUp / count
	s.DistinctZones = len(zones)
	s.DistinctBSSIDs = len(bssids)
	if s.SignalSamples > 0 {
		s.AvgSignal = sumSignal / float64(s.SignalSamples)
	}
	if len(pings) > 0 {
		n := float64(len(pings))
		sort.Float64s(pings)
		s.PingSamples = len(pings)
		s.AvgPingMs = sumPing / n
		s.AvgJitterMs = sumJitter / n
		s.MinPingMs = minPing
		s.MaxPingMs = maxPing
		s.P95PingMs = percentile(pings, 0.95)
	}
	return s
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
