package processor

import (
	"math"
	"strconv"
	"strings"
)

// RowColumns names the columns a tabular layer reads. Indices maps a
// classifier input to its column; inputs missing from it are read from
// the column of the same name.
type RowColumns struct {
	Lat, Lng string
	Indices  map[string]string
}

func (rc RowColumns) column(input string) string {
	if col, ok := rc.Indices[input]; ok && len(col) > 0 {
		return col
	}
	return input
}

// Select lists the columns to read for a classifier with inputs.
func (rc RowColumns) Select(inputs []string) []string {
	cols := []string{rc.Lat, rc.Lng}
	for _, in := range inputs {
		cols = append(cols, rc.column(in))
	}
	return cols
}

// ClassifyRows classifies points read from a table. Rows without a
// usable coordinate are counted in Skipped; rows whose indices are
// missing or NaN classify as background and are dropped.
func ClassifyRows(rows []map[string]interface{}, cols RowColumns, clf *Classifier) *PointSet {
	ps := newPointSet(clf)
	inputs := clf.Inputs()
	values := make([]float64, len(inputs))

	for _, row := range rows {
		lat, latOK := toFloat(row[cols.Lat])
		lng, lngOK := toFloat(row[cols.Lng])
		if !latOK || !lngOK || !validLatLon(lat, lng) {
			ps.Skipped++
			continue
		}
		for k, name := range inputs {
			v, ok := toFloat(row[cols.column(name)])
			if !ok {
				v = math.NaN()
			}
			values[k] = v
		}
		class, ok := clf.Classify(values)
		if !ok {
			continue
		}
		vals := make(map[string]float64, len(inputs))
		for k, name := range inputs {
			if !math.IsNaN(values[k]) && !math.IsInf(values[k], 0) {
				vals[name] = values[k]
			}
		}
		ps.add(ClassifiedPoint{Lat: lat, Lon: lng, Label: class.Label, Color: class.ColourName, Code: class.Code, Values: vals})
	}
	return ps
}

// Merge appends the points of other and adds up the summaries.
func (ps *PointSet) Merge(other *PointSet) {
	ps.Points = append(ps.Points, other.Points...)
	for label, n := range other.Summary {
		ps.Summary[label] += n
	}
	ps.Skipped += other.Skipped
}

// toFloat reads the numeric column types the database driver returns.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case []byte:
		return parseFloat(string(n))
	case string:
		return parseFloat(n)
	default:
		return 0, false
	}
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
