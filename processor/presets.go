package processor

import (
	"github.com/hrsage/sage/utils"
	"github.com/pkg/errors"
)

func f(v float64) *float64 { return &v }

func between(lo, hi float64) utils.Bound { return utils.Bound{Min: f(lo), Max: f(hi)} }
func atLeast(lo float64) utils.Bound     { return utils.Bound{Min: f(lo)} }
func below(hi float64) utils.Bound       { return utils.Bound{Max: f(hi)} }

var sugarcaneBackground = utils.BackgroundConfig{Label: "No Sugarcane", Colour: "gray"}

// Presets are the built-in rule tables. They are ordinary configuration
// and can be shadowed by a rule table of the same name in the config file.
var Presets = map[string]utils.RuleTableConfig{
	"ndvi": {
		Name:       "ndvi",
		Mode:       ModePartition,
		Indices:    []string{"ndvi"},
		Background: sugarcaneBackground,
		Rules: []utils.RuleConfig{
			{Label: "Grand Growth", Colour: "yellow", Code: 3, When: map[string]utils.Bound{"ndvi": atLeast(0.5)}},
			{Label: "Ripening", Colour: "green", Code: 4, When: map[string]utils.Bound{"ndvi": between(0.3, 0.5)}},
			{Label: "Tillering", Colour: "orange", Code: 2, When: map[string]utils.Bound{"ndvi": between(0.2, 0.3)}},
			{Label: "Germination", Colour: "red", Code: 1, When: map[string]utils.Bound{"ndvi": between(0.1, 0.2)}},
			{Label: "No Sugarcane", Background: true, When: map[string]utils.Bound{"ndvi": below(0.1)}},
		},
	},
	"ndvi-evi": {
		Name:       "ndvi-evi",
		Mode:       ModePartition,
		Indices:    []string{"ndvi", "evi"},
		AllowGaps:  true,
		Background: sugarcaneBackground,
		Rules: []utils.RuleConfig{
			{Label: "Grand Growth", Colour: "yellow", Code: 3, When: map[string]utils.Bound{"ndvi": atLeast(0.5), "evi": atLeast(0.45)}},
			{Label: "Ripening", Colour: "green", Code: 4, When: map[string]utils.Bound{"ndvi": between(0.3, 0.5), "evi": atLeast(0.30)}},
			{Label: "Tillering", Colour: "orange", Code: 2, When: map[string]utils.Bound{"ndvi": between(0.2, 0.3), "evi": atLeast(0.20)}},
			{Label: "Germination", Colour: "red", Code: 1, When: map[string]utils.Bound{"ndvi": between(0.1, 0.2), "evi": atLeast(0.10)}},
		},
	},
	"points-v1": {
		Name:       "points-v1",
		Mode:       ModePartition,
		Indices:    []string{"ndvi"},
		Background: sugarcaneBackground,
		CountGate:  &utils.CountGate{Index: "n_tallmonths", Min: 1},
		Rules: []utils.RuleConfig{
			{Label: "Grand Growth", Colour: "yellow", Code: 3, When: map[string]utils.Bound{"ndvi": atLeast(0.5)}},
			{Label: "Ripening", Colour: "green", Code: 4, When: map[string]utils.Bound{"ndvi": between(0.3, 0.5)}},
			{Label: "Tillering", Colour: "orange", Code: 2, When: map[string]utils.Bound{"ndvi": between(0.2, 0.3)}},
			{Label: "Germination", Colour: "red", Code: 1, When: map[string]utils.Bound{"ndvi": between(0.1, 0.2)}},
			{Label: "No Sugarcane", Background: true, When: map[string]utils.Bound{"ndvi": below(0.1)}},
		},
	},
	"points-v2": {
		Name:       "points-v2",
		Mode:       ModePartition,
		Indices:    []string{"ndvi", "n_tallmonths"},
		AllowGaps:  true,
		Background: sugarcaneBackground,
		Rules: []utils.RuleConfig{
			{Label: "Grand Growth", Colour: "yellow", Code: 3, When: map[string]utils.Bound{"ndvi": atLeast(0.5), "n_tallmonths": atLeast(3)}},
			{Label: "Ripening", Colour: "green", Code: 4, When: map[string]utils.Bound{"ndvi": between(0.3, 0.5), "n_tallmonths": atLeast(3)}},
			{Label: "Tillering", Colour: "orange", Code: 2, When: map[string]utils.Bound{"ndvi": between(0.2, 0.3), "n_tallmonths": between(0, 3)}},
			{Label: "Germination", Colour: "red", Code: 1, When: map[string]utils.Bound{"ndvi": between(0.1, 0.2), "n_tallmonths": between(0, 3)}},
		},
	},
}

// CompileRuleTables compiles the presets and the configured tables into
// classifiers keyed by name. Any invalid table fails the whole set.
func CompileRuleTables(tables []utils.RuleTableConfig) (map[string]*Classifier, error) {
	all := map[string]utils.RuleTableConfig{}
	for name, t := range Presets {
		all[name] = t
	}
	seen := map[string]bool{}
	for _, t := range tables {
		if len(t.Name) == 0 {
			return nil, errors.Wrap(utils.ErrInvalidRuleTable, "rule table without a name")
		}
		if seen[t.Name] {
			return nil, errors.Wrapf(utils.ErrInvalidRuleTable, "rule table %q declared twice", t.Name)
		}
		seen[t.Name] = true
		all[t.Name] = t
	}

	out := make(map[string]*Classifier, len(all))
	for name, t := range all {
		clf, err := NewClassifier(t)
		if err != nil {
			return nil, err
		}
		out[name] = clf
	}
	return out, nil
}
