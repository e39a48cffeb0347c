// Package survey holds the operator-side bookkeeping of a floor survey:
// zone names, which zones are already measured and where the access
// points are.
package survey

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"wifisurvey/internal/dataset"
	"wifisurvey/internal/model"
)

// frontColumns is the number of grid columns on the front half of a floor.
const frontColumns = 4

// ZoneName renders a zone as it is labelled on the floor plan: "f" or "s"
// for the front or back half, "l" or "r" for the corridor side, the column
// index within the half and the position in the room. Zone{X: 6, Y: 1,
// PIR: 3} is "sr23".
func ZoneName(z model.Zone) string {
	half, index := "f", z.X
	if z.X > frontColumns {
		half, index = "s", z.X-frontColumns
	}
	side := "l"
	if z.Y != 0 {
		side = "r"
	}
	return fmt.Sprintf("%s%s%d%d", half, side, index, z.PIR)
}

// ParseZoneName is the inverse of ZoneName.
func ParseZoneName(name string) (model.Zone, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if len(name) < 4 {
		return model.Zone{}, fmt.Errorf("zone name %q is too short", name)
	}
	var z model.Zone
	switch name[1] {
	case 'l':
		z.Y = 0
	case 'r':
		z.Y = 1
	default:
		return model.Zone{}, fmt.Errorf("zone name %q: side must be l or r", name)
	}
	index, err := strconv.Atoi(name[2 : len(name)-1])
	if err != nil || index < 1 {
		return model.Zone{}, fmt.Errorf("zone name %q: invalid column", name)
	}
	switch name[0] {
	case 'f':
		if index > frontColumns {
			return model.Zone{}, fmt.Errorf("zone name %q: front column must be at most %d", name, frontColumns)
		}
		z.X = index
	case 's':
		z.X = index + frontColumns
	default:
		return model.Zone{}, fmt.Errorf("zone name %q: half must be f or s", name)
	}
	z.PIR = int(name[len(name)-1] - '0')
	if z.PIR < 1 || z.PIR > 3 {
		return model.Zone{}, fmt.Errorf("zone name %q: position in room must be 1, 2 or 3", name)
	}
	return z, nil
}

// DoneZones returns the names of the zones present in rows, without
// duplicates, in the order they were first measured. Rows without a valid
// position are skipped.
func DoneZones(rows []model.Row) []string {
	seen := map[string]bool{}
	var names []string
	for _, r := range rows {
		if !validZone(r.Zone) {
			continue
		}
		name := ZoneName(r.Zone)
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

func validZone(z model.Zone) bool {
	return z.X >= 1 && (z.Y == 0 || z.Y == 1) && z.PIR >= 1 && z.PIR <= 3
}

// DoneZonesIn reads a floor dataset and returns its done zones. A dataset
// that does not exist yet has none. Skipped records are reported with an
// error wrapping dataset.ErrMalformedRecord next to the zones that could be
// read.
func DoneZonesIn(path string) ([]string, error) {
	rows, err := dataset.ReadRows(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case errors.Is(err, dataset.ErrMalformedRecord):
		return DoneZones(rows), err
	case err != nil:
		return nil, err
	}
	return DoneZones(rows), nil
}

// Location names a floor, e.g. "A1".
func Location(building string, floor int) string {
	return fmt.Sprintf("%s%d", strings.ToUpper(strings.TrimSpace(building)), floor)
}

// DatasetName is the file a floor's measurements go to, e.g.
// "a1_measure.csv".
func DatasetName(building string, floor int) string {
	return strings.ToLower(Location(building, floor)) + "_measure.csv"
}
