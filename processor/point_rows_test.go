package processor

import (
	"testing"
)

func TestClassifyRows(t *testing.T) {
	clf := mustClassifier(t, "points-v2")
	rows := []map[string]interface{}{
		{"lat": -20.1, "lng": 148.5, "ndvi": 0.25, "n_tallmonths": int64(0)},
		{"lat": -20.2, "lng": 148.6, "ndvi": 0.25, "n_tallmonths": int64(3)},
		{"lat": []byte("-20.3"), "lng": "148.7", "ndvi": []byte("0.61"), "n_tallmonths": 4},
		{"lat": "north", "lng": 148.8, "ndvi": 0.4, "n_tallmonths": 5},
		{"lat": -95.0, "lng": 148.8, "ndvi": 0.4, "n_tallmonths": 5},
		{"lat": -20.4, "lng": 148.9, "ndvi": nil, "n_tallmonths": 5},
		{"lat": -20.5, "lng": 149.0, "ndvi": float32(0.15)},
	}
	ps := ClassifyRows(rows, RowColumns{Lat: "lat", Lng: "lng"}, clf)

	if len(ps.Points) != 2 {
		t.Fatalf("expected 2 points, actual %+v", ps.Points)
	}
	if ps.Points[0].Label != "Tillering" || ps.Points[0].Lat != -20.1 || ps.Points[0].Lon != 148.5 {
		t.Errorf("unexpected first point %+v", ps.Points[0])
	}
	if ps.Points[1].Label != "Grand Growth" || ps.Points[1].Values["n_tallmonths"] != 4 {
		t.Errorf("unexpected second point %+v", ps.Points[1])
	}
	if ps.Skipped != 2 {
		t.Errorf("expected 2 rows with bad coordinates, actual %d", ps.Skipped)
	}
	if ps.Summary["Ripening"] != 0 || ps.Summary["Tillering"] != 1 || len(ps.Summary) != 4 {
		t.Errorf("unexpected summary %v", ps.Summary)
	}
}

func TestClassifyRowsColumnsAndMerge(t *testing.T) {
	clf := mustClassifier(t, "points-v1")
	cols := RowColumns{Lat: "latitude", Lng: "longitude", Indices: map[string]string{"ndvi": "ndvi_value"}}

	page1 := ClassifyRows([]map[string]interface{}{
		{"latitude": 1.0, "longitude": 2.0, "ndvi_value": 0.55, "n_tallmonths": 2.0},
		{"latitude": 1.0, "longitude": 2.1, "ndvi_value": 0.55, "n_tallmonths": 0.0},
	}, cols, clf)
	page2 := ClassifyRows([]map[string]interface{}{
		{"latitude": 1.1, "longitude": 2.0, "ndvi_value": 0.12, "n_tallmonths": 1.0},
		{"latitude": 1.1, "longitude": 2.1, "ndvi_value": 0.58},
	}, cols, clf)

	page1.Merge(page2)
	if len(page1.Points) != 2 {
		t.Fatalf("expected 2 points, actual %+v", page1.Points)
	}
	if page1.Summary["Grand Growth"] != 1 || page1.Summary["Germination"] != 1 {
		t.Errorf("unexpected merged summary %v", page1.Summary)
	}
}
