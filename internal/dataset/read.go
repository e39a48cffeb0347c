package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"wifisurvey/internal/model"
)

// legacyTimestampLayout is what datasets written before offsets were
// recorded contain; those are read as local time.
const legacyTimestampLayout = "2006-01-02 15:04:05"

// ErrMalformedRecord is returned together with the readable rows when some
// records of a dataset had to be skipped, e.g. a row cut short by a crash.
var ErrMalformedRecord = errors.New("malformed dataset record")

// ReadRows loads rows from a dataset file. Records that cannot be parsed
// are skipped; if there were any, the rows are returned along with an
// error wrapping ErrMalformedRecord that names their lines.
func ReadRows(path string) ([]model.Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readRows(file)
}

func readRows(r io.Reader) ([]model.Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var (
		items []model.Row
		bad   []int
		first = true
	)
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			bad = append(bad, parseErr.StartLine)
			first = false
			continue
		}
		if err != nil {
			return items, err
		}
		line, _ := reader.FieldPos(0)
		if first {
			first = false
			if len(rec) > 0 && rec[0] == Header[0] {
				continue
			}
		}
		row, err := parseRecord(rec)
		if err != nil {
			bad = append(bad, line)
			continue
		}
		items = append(items, row)
	}

	if len(bad) > 0 {
		return items, fmt.Errorf("%w: skipped line(s) %s", ErrMalformedRecord, joinInts(bad))
	}
	return items, nil
}

func parseRecord(rec []string) (model.Row, error) {
	if len(rec) != len(Header) {
		return model.Row{}, fmt.Errorf("%d fields", len(rec))
	}
	ts, err := parseTimestamp(rec[0])
	if err != nil {
		return model.Row{}, err
	}
	loss, _ := strconv.ParseFloat(rec[13], 64)
	download, _ := strconv.ParseFloat(rec[15], 64)
	upload, _ := strconv.ParseFloat(rec[16], 64)
	x, _ := strconv.Atoi(rec[17])
	y, _ := strconv.Atoi(rec[18])
	pir, _ := strconv.Atoi(rec[19])
	devices, err := strconv.Atoi(rec[21])
	if err != nil {
		devices = -1
	}
	return model.Row{
		Timestamp:        ts,
		Iface:            rec[1],
		SSID:             rec[2],
		BSSID:            rec[3],
		FreqMHz:          rec[4],
		Channel:          rec[5],
		SignalDBM:        rec[6],
		TxBitrateMbps:    rec[7],
		PingTarget:       rec[8],
		PingAvgMs:        parseOptional(rec[9]),
		PingMinMs:        parseOptional(rec[10]),
		PingMaxMs:        parseOptional(rec[11]),
		PingJitterMs:     parseOptional(rec[12]),
		PingLossPct:      loss,
		PingSuccess:      rec[14] == "1",
		DownloadMbps:     download,
		UploadMbps:       upload,
		Zone:             model.Zone{X: x, Y: y, PIR: pir},
		NTPSynced:        rec[20] == "yes",
		ConnectedDevices: devices,
	}, nil
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(TimestampLayout, s); err == nil {
		return ts, nil
	}
	return time.ParseInLocation(legacyTimestampLayout, s, time.Local)
}

func parseOptional(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
