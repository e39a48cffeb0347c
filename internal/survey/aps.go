package survey

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"wifisurvey/internal/privilege"
)

var apHeader = []string{"floor", "x", "y"}

// AP is an access point position on a floor plan.
type AP struct {
	Floor string
	X     int
	Y     int
}

// SaveAP appends ap to the AP file at path, writing the header when the
// file is new.
func SaveAP(path string, ap AP, owner privilege.Identity) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE|os.O_EXCL, 0o644)
	created := err == nil
	if errors.Is(err, fs.ErrExist) {
		file, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	}
	if err != nil {
		return fmt.Errorf("open AP file %s: %w", path, err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if created {
		if err := owner.ChownFile(file); err != nil {
			file.Close()
			os.Remove(path)
			return fmt.Errorf("chown AP file %s: %w", path, err)
		}
		if err := w.Write(apHeader); err != nil {
			return err
		}
	}
	if err := w.Write([]string{ap.Floor, strconv.Itoa(ap.X), strconv.Itoa(ap.Y)}); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// LoadAPs returns the access points recorded for location. A missing file
// yields none.
func LoadAPs(path, location string) ([]AP, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read AP file %s: %w", path, err)
	}

	var aps []AP
	for i, rec := range records {
		if len(rec) < len(apHeader) || (i == 0 && rec[0] == apHeader[0]) {
			continue
		}
		if rec[0] != location {
			continue
		}
		x, errX := strconv.Atoi(rec[1])
		y, errY := strconv.Atoi(rec[2])
		if errX != nil || errY != nil {
			return nil, fmt.Errorf("invalid AP position at line %d", i+1)
		}
		aps = append(aps, AP{Floor: rec[0], X: x, Y: y})
	}
	return aps, nil
}
