package processor

import (
	"context"
	"reflect"
	"testing"

	"github.com/hrsage/sage/utils"
	"github.com/pkg/errors"
)

func testLayer(t *testing.T, ruleTable string, indices ...utils.IndexConfig) *Layer {
	t.Helper()
	classifiers, err := CompileRuleTables(nil)
	if err != nil {
		t.Fatalf("presets failed: %v", err)
	}
	l, err := CompileLayer(&utils.Layer{
		Name:      "test",
		Source:    "mem",
		Files:     []string{"west", "east"},
		Indices:   indices,
		RuleTable: ruleTable,
	}, classifiers)
	if err != nil {
		t.Fatalf("layer failed to compile: %v", err)
	}
	return l
}

func pipelineFixture(t *testing.T) (*memStore, mapDecoder, *Layer) {
	store := newMemStore()
	store.data["west"] = []byte("west")
	store.data["east"] = []byte("east")
	decoder := mapDecoder{
		"west": singleBand(utils.GeoTransform{0, 1, 0, 2, 0, -1}, 2, 2, 0.15, 0.15, 0.15, nan),
		"east": singleBand(utils.GeoTransform{1, 1, 0, 2, 0, -1}, 2, 2, 0.6, 0.35, 0.05, 0.25),
	}
	return store, decoder, testLayer(t, "ndvi", utils.IndexConfig{Name: "ndvi", Expr: "b1"})
}

func TestRunClassifyPoints(t *testing.T) {
	store, decoder, layer := pipelineFixture(t)
	req := &ClassifyRequest{Layer: layer, Stage: StagePoints}

	res, err := RunClassify(context.Background(), store, decoder, req)
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	// mosaic row 0: 0.15 0.15 0.35, row 1: 0.15 0.05 0.25
	expected := []string{"Germination", "Germination", "Ripening", "Germination", "Tillering"}
	if len(res.Points.Points) != len(expected) {
		t.Fatalf("expected %d points, actual %+v", len(expected), res.Points.Points)
	}
	for i, label := range expected {
		if res.Points.Points[i].Label != label {
			t.Errorf("point %d: expected %s, actual %s", i, label, res.Points.Points[i].Label)
		}
	}
	if res.Points.Summary["Germination"] != 3 || res.Points.Summary["Grand Growth"] != 0 {
		t.Errorf("unexpected summary %v", res.Points.Summary)
	}

	again, err := RunClassify(context.Background(), store, decoder, req)
	if err != nil {
		t.Fatalf("second classify failed: %v", err)
	}
	if !reflect.DeepEqual(res.Points, again.Points) {
		t.Errorf("identical input produced different points")
	}
}

func TestRunClassifyStages(t *testing.T) {
	store, decoder, layer := pipelineFixture(t)

	res, err := RunClassify(context.Background(), store, decoder, &ClassifyRequest{Layer: layer, Stage: StageMosaic})
	if err != nil {
		t.Fatalf("mosaic failed: %v", err)
	}
	if res.Mosaic == nil || res.Indices != nil || res.Points != nil {
		t.Errorf("mosaic stage should stop after merging")
	}
	if res.Mosaic.Width != 3 || res.Mosaic.Height != 2 {
		t.Errorf("unexpected mosaic shape %dx%d", res.Mosaic.Width, res.Mosaic.Height)
	}

	res, err = RunClassify(context.Background(), store, decoder, &ClassifyRequest{Layer: layer, Stage: StageRaster})
	if err != nil {
		t.Fatalf("raster failed: %v", err)
	}
	expected := []uint8{1, 1, 4, 1, 0, 2}
	if !reflect.DeepEqual(res.Classes.Data, expected) {
		t.Errorf("expecting %v, actual %v", expected, res.Classes.Data)
	}

	res, err = RunClassify(context.Background(), store, decoder, &ClassifyRequest{Layer: layer, Files: []string{"east"}, Stage: StageRaster})
	if err != nil {
		t.Fatalf("raster failed: %v", err)
	}
	if !reflect.DeepEqual(res.Classes.Data, []uint8{3, 4, 0, 2}) {
		t.Errorf("file override ignored, got %v", res.Classes.Data)
	}
}

func TestRunClassifyFailures(t *testing.T) {
	store, decoder, layer := pipelineFixture(t)

	_, err := RunClassify(context.Background(), store, decoder, &ClassifyRequest{Layer: layer, Files: []string{"nowhere"}, Stage: StagePoints})
	if !errors.Is(err, utils.ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable, got %v", err)
	}

	store.data["garbage"] = []byte("garbage")
	_, err = RunClassify(context.Background(), store, decoder, &ClassifyRequest{Layer: layer, Files: []string{"garbage"}, Stage: StagePoints})
	if !errors.Is(err, utils.ErrNoInputData) {
		t.Errorf("expected ErrNoInputData, got %v", err)
	}

	res, err := RunClassify(context.Background(), store, decoder, &ClassifyRequest{Layer: layer, Files: []string{"garbage", "nowhere", "east"}, Stage: StagePoints})
	if err != nil {
		t.Fatalf("partial failure should degrade gracefully: %v", err)
	}
	if len(res.Points.Points) != 3 {
		t.Errorf("expected the 3 points of east, actual %d", len(res.Points.Points))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err = RunClassify(ctx, store, decoder, &ClassifyRequest{Layer: layer, Stage: StagePoints}); err == nil {
		t.Errorf("cancelled request should fail")
	}
}

func TestCompileLayer(t *testing.T) {
	classifiers, _ := CompileRuleTables(nil)
	base := utils.Layer{
		Name:      "l",
		Indices:   []utils.IndexConfig{{Name: "ndvi", Expr: "(b2 - b1) / (b2 + b1)"}},
		RuleTable: "ndvi",
	}

	l, err := CompileLayer(&base, classifiers)
	if err != nil {
		t.Fatalf("layer failed: %v", err)
	}
	if l.Mask.Index != "ndvi" || l.Mask.ValidMin != -1 || l.Mask.ValidMax != 1 || len(l.Ramp) != 256 {
		t.Errorf("unexpected defaults %+v", l.Mask)
	}

	missing := base
	missing.RuleTable = "points-v1"
	if _, err := CompileLayer(&missing, classifiers); !errors.Is(err, utils.ErrInvalidConfig) {
		t.Errorf("layer without n_tallmonths accepted for points-v1: %v", err)
	}

	unknown := base
	unknown.RuleTable = "nope"
	if _, err := CompileLayer(&unknown, classifiers); !errors.Is(err, utils.ErrInvalidConfig) {
		t.Errorf("unknown rule table accepted: %v", err)
	}

	table := utils.Layer{
		Name:      "points",
		Table:     "ndvi_points",
		LatColumn: "lat",
		LngColumn: "lng",
		Indices:   []utils.IndexConfig{{Name: "ndvi", Column: "ndvi_value"}},
		RuleTable: "points-v2",
	}
	l, err = CompileLayer(&table, classifiers)
	if err != nil {
		t.Fatalf("table layer failed: %v", err)
	}
	if !l.IsTable() || l.Columns.column("ndvi") != "ndvi_value" || l.Columns.column("n_tallmonths") != "n_tallmonths" {
		t.Errorf("unexpected columns %+v", l.Columns)
	}
}
