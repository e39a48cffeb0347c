package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"sync"

	"wifisurvey/internal/model"
	"wifisurvey/internal/privilege"
)

// TimestampLayout is local time with offset, second precision.
const TimestampLayout = "2006-01-02 15:04:05Z07:00"

// Header is the fixed column order of every dataset file.
var Header = []string{
	"timestamp",
	"iface",
	"ssid",
	"bssid",
	"freq_mhz",
	"channel",
	"signal_dbm",
	"tx_bitrate_mbps",
	"ping_target",
	"ping_avg_ms",
	"ping_min_ms",
	"ping_max_ms",
	"ping_jitter_ms",
	"ping_loss_pct",
	"ping_success",
	"download",
	"upload",
	"position_x",
	"position_y",
	"position_in_room",
	"ntp_synced",
	"num_of_connected_devices",
}

// ErrClosed is returned by WriteRow after Close.
var ErrClosed = errors.New("dataset writer closed")

// Writer appends rows to a dataset file. Every row is flushed as soon as it
// is written; samples are seconds to minutes apart so durability wins over
// batching.
type Writer struct {
	mu   sync.Mutex
	path string
	file *os.File
	csv  *csv.Writer
}

// Open opens path for appending. A file Open creates is handed to owner
// through the open handle, so a root worker leaves no root-owned
// artifacts, and is removed again if that fails. A new or empty file gets
// the header, flushed immediately. An existing non-empty file is appended
// to without touching its header, after terminating a cut-short last line.
func Open(path string, owner privilege.Identity) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE|os.O_EXCL, 0o644)
	created := err == nil
	if errors.Is(err, fs.ErrExist) {
		file, err = os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	}
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", path, err)
	}

	if created {
		if err := owner.ChownFile(file); err != nil {
			discard(file, path)
			return nil, fmt.Errorf("chown dataset %s: %w", path, err)
		}
	}

	w := &Writer{path: path, file: file, csv: csv.NewWriter(file)}

	needsHeader := created
	if !created {
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("stat dataset %s: %w", path, err)
		}
		needsHeader = info.Size() == 0
		if !needsHeader {
			if err := terminateLastLine(file, info.Size()); err != nil {
				file.Close()
				return nil, fmt.Errorf("repair dataset %s: %w", path, err)
			}
		}
	}
	if needsHeader {
		if err := w.writeRecord(Header); err != nil {
			if created {
				discard(file, path)
			} else {
				file.Close()
			}
			return nil, fmt.Errorf("write header %s: %w", path, err)
		}
	}
	return w, nil
}

// terminateLastLine ends a row cut short by a crash so the next row starts
// on its own line.
func terminateLastLine(file *os.File, size int64) error {
	last := make([]byte, 1)
	if _, err := file.ReadAt(last, size-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err := file.Write([]byte{'\n'})
	return err
}

// discard closes and removes a file Open has just created.
func discard(file *os.File, path string) {
	file.Close()
	os.Remove(path)
}

// Path returns the file the writer appends to.
func (w *Writer) Path() string {
	return w.path
}

// WriteRow appends one row in Header order and flushes it.
func (w *Writer) WriteRow(row model.Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ErrClosed
	}
	return w.writeRecord(Record(row))
}

// Close flushes and releases the file. Calling Close twice is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	w.csv.Flush()
	flushErr := w.csv.Error()
	closeErr := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func (w *Writer) writeRecord(record []string) error {
	if err := w.csv.Write(record); err != nil {
		return err
	}
	w.csv.Flush()
	return w.csv.Error()
}

// Record serializes a row in Header order.
func Record(r model.Row) []string {
	return []string{
		r.Timestamp.Format(TimestampLayout),
		r.Iface,
		r.SSID,
		r.BSSID,
		r.FreqMHz,
		r.Channel,
		r.SignalDBM,
		r.TxBitrateMbps,
		r.PingTarget,
		formatOptional(r.PingAvgMs),
		formatOptional(r.PingMinMs),
		formatOptional(r.PingMaxMs),
		formatOptional(r.PingJitterMs),
		strconv.FormatFloat(r.PingLossPct, 'f', 1, 64),
		formatBool(r.PingSuccess, "1", "0"),
		strconv.FormatFloat(r.DownloadMbps, 'f', 2, 64),
		strconv.FormatFloat(r.UploadMbps, 'f', 2, 64),
		strconv.Itoa(r.Zone.X),
		strconv.Itoa(r.Zone.Y),
		strconv.Itoa(r.Zone.PIR),
		formatBool(r.NTPSynced, "yes", "no"),
		strconv.Itoa(r.ConnectedDevices),
	}
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 3, 64)
}

func formatBool(v bool, yes, no string) string {
	if v {
		return yes
	}
	return no
}
