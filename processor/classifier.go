package processor

import (
	"fmt"
	"image/color"
	"math"
	"sort"
	"strings"

	"github.com/hrsage/sage/utils"
	"github.com/pkg/errors"
)

const (
	ModePartition = "partition"
	ModeLadder    = "ladder"
)

// Interval is [Min, Max); an unbounded end is -Inf or +Inf.
type Interval struct {
	Min, Max float64
}

func (iv Interval) Contains(v float64) bool {
	return v >= iv.Min && v < iv.Max
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%g, %g)", iv.Min, iv.Max)
}

func unbounded() Interval {
	return Interval{Min: math.Inf(-1), Max: math.Inf(1)}
}

// Class is one output category of a rule table.
type Class struct {
	Code       uint8      `json:"code"`
	Label      string     `json:"label"`
	ColourName string     `json:"color"`
	Colour     color.RGBA `json:"-"`
	Background bool       `json:"-"`
}

type rule struct {
	class Class
	box   []Interval
}

type countGate struct {
	input int
	min   float64
}

// Classifier evaluates a compiled rule table. Inputs lists the index
// names, in the order Classify expects their values.
type Classifier struct {
	Name       string
	Mode       string
	Background Class
	inputs     []string
	dims       int
	rules      []rule
	gate       *countGate
	classes    []Class
	gaps       [][]Interval
}

// Inputs returns the index names whose values Classify expects, in order.
func (c *Classifier) Inputs() []string {
	return c.inputs
}

// Classes returns the non-background classes in code order.
func (c *Classifier) Classes() []Class {
	return c.classes
}

// Gaps returns the cells of the index space no rule covers. They are
// classified as background.
func (c *Classifier) Gaps() [][]Interval {
	return c.gaps
}

// Classify returns the class for one set of input values and whether it
// is a non-background class. Non-finite values never match a rule.
func (c *Classifier) Classify(values []float64) (Class, bool) {
	if len(values) < len(c.inputs) {
		return c.Background, false
	}
	for _, v := range values[:c.dims] {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return c.Background, false
		}
	}
	if c.gate != nil {
		n := values[c.gate.input]
		if math.IsNaN(n) || n < c.gate.min {
			return c.Background, false
		}
	}

	for _, r := range c.rules {
		if r.matches(values) {
			return r.class, !r.class.Background
		}
	}
	return c.Background, false
}

func (r *rule) matches(values []float64) bool {
	for d, iv := range r.box {
		if !iv.Contains(values[d]) {
			return false
		}
	}
	return true
}

// NewClassifier compiles and validates a rule table. Overlapping
// partition rules and non monotonic ladders are reported as
// utils.ErrClassificationAmbiguous; every other defect as
// utils.ErrInvalidRuleTable.
func NewClassifier(cfg utils.RuleTableConfig) (*Classifier, error) {
	invalid := func(format string, args ...interface{}) error {
		return errors.Wrapf(utils.ErrInvalidRuleTable, "rule table %q: %s", cfg.Name, fmt.Sprintf(format, args...))
	}

	mode := strings.ToLower(cfg.Mode)
	if len(mode) == 0 {
		mode = ModePartition
	}
	if mode != ModePartition && mode != ModeLadder {
		return nil, invalid("unknown mode %q", cfg.Mode)
	}
	if len(cfg.Indices) == 0 {
		return nil, invalid("no indices")
	}
	if len(cfg.Rules) == 0 {
		return nil, invalid("no rules")
	}

	c := &Classifier{Name: cfg.Name, Mode: mode, dims: len(cfg.Indices)}
	dim := map[string]int{}
	for i, name := range cfg.Indices {
		if _, dup := dim[name]; dup {
			return nil, invalid("index %q listed twice", name)
		}
		dim[name] = i
		c.inputs = append(c.inputs, name)
	}

	bgLabel := cfg.Background.Label
	if len(bgLabel) == 0 {
		bgLabel = "No Sugarcane"
	}
	bgColour := cfg.Background.Colour
	if len(bgColour) == 0 {
		bgColour = "gray"
	}
	rgba, err := utils.ParseColour(bgColour)
	if err != nil {
		return nil, invalid("background: %v", err)
	}
	c.Background = Class{Code: 0, Label: bgLabel, ColourName: bgColour, Colour: rgba, Background: true}

	if cfg.CountGate != nil {
		if len(cfg.CountGate.Index) == 0 {
			return nil, invalid("count_gate has no index")
		}
		g := &countGate{min: cfg.CountGate.Min}
		if d, ok := dim[cfg.CountGate.Index]; ok {
			g.input = d
		} else {
			g.input = len(c.inputs)
			c.inputs = append(c.inputs, cfg.CountGate.Index)
		}
		c.gate = g
	}

	byLabel := map[string]Class{}
	usedCodes := map[uint8]string{}
	nextCode := 1
	for i, rc := range cfg.Rules {
		name := rc.Label
		if len(name) == 0 {
			name = fmt.Sprintf("#%d", i+1)
		}
		r := rule{box: make([]Interval, c.dims)}
		for d := range r.box {
			r.box[d] = unbounded()
		}
		for idx, b := range rc.When {
			d, ok := dim[idx]
			if !ok {
				return nil, invalid("rule %s bounds unknown index %q", name, idx)
			}
			if b.Min != nil {
				r.box[d].Min = *b.Min
			}
			if b.Max != nil {
				r.box[d].Max = *b.Max
			}
			if !(r.box[d].Min < r.box[d].Max) {
				return nil, invalid("rule %s has an empty interval %v on %s", name, r.box[d], idx)
			}
		}

		if rc.Background {
			r.class = c.Background
			c.rules = append(c.rules, r)
			continue
		}
		if len(rc.Label) == 0 {
			return nil, invalid("rule %d has no label", i+1)
		}
		if rc.Label == bgLabel {
			return nil, invalid("rule %s reuses the background label without background: true", name)
		}

		if prev, seen := byLabel[rc.Label]; seen {
			if (rc.Code != 0 && uint8(rc.Code) != prev.Code) || (len(rc.Colour) > 0 && rc.Colour != prev.ColourName) {
				return nil, invalid("label %q is declared twice with different code or colour", rc.Label)
			}
			r.class = prev
			c.rules = append(c.rules, r)
			continue
		}

		code := rc.Code
		if code == 0 {
			for {
				if _, used := usedCodes[uint8(nextCode)]; !used || nextCode > 255 {
					break
				}
				nextCode++
			}
			code = nextCode
		}
		if code < 1 || code > 255 {
			return nil, invalid("rule %s has code %d outside 1..255", name, code)
		}
		if other, used := usedCodes[uint8(code)]; used {
			return nil, invalid("code %d is used by both %q and %q", code, other, rc.Label)
		}
		if len(rc.Colour) == 0 {
			return nil, invalid("rule %s has no colour", name)
		}
		rgba, err := utils.ParseColour(rc.Colour)
		if err != nil {
			return nil, invalid("rule %s: %v", name, err)
		}
		class := Class{Code: uint8(code), Label: rc.Label, ColourName: rc.Colour, Colour: rgba}
		usedCodes[class.Code] = class.Label
		byLabel[class.Label] = class
		c.classes = append(c.classes, class)
		r.class = class
		c.rules = append(c.rules, r)
	}
	if len(c.classes) == 0 {
		return nil, invalid("every rule is background")
	}
	sort.SliceStable(c.classes, func(i, j int) bool { return c.classes[i].Code < c.classes[j].Code })

	switch mode {
	case ModePartition:
		err = c.validatePartition(cfg)
	case ModeLadder:
		err = c.validateLadder(cfg)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Classifier) ruleName(i int) string {
	if c.rules[i].class.Background {
		return fmt.Sprintf("%s (rule %d)", c.Background.Label, i+1)
	}
	return c.rules[i].class.Label
}

func (c *Classifier) formatBox(box []Interval) string {
	parts := make([]string, len(box))
	for d, iv := range box {
		parts[d] = fmt.Sprintf("%s %v", c.inputs[d], iv)
	}
	return strings.Join(parts, " x ")
}

// validatePartition rejects overlapping boxes, then enumerates every
// elementary cell spanned by the rule breakpoints to find gaps.
func (c *Classifier) validatePartition(cfg utils.RuleTableConfig) error {
	for i := range c.rules {
		for j := i + 1; j < len(c.rules); j++ {
			overlap, ok := intersect(c.rules[i].box, c.rules[j].box)
			if ok {
				return errors.Wrapf(utils.ErrClassificationAmbiguous,
					"rule table %q: rules %q and %q overlap on %s",
					c.Name, c.ruleName(i), c.ruleName(j), c.formatBox(overlap))
			}
		}
	}

	cells := c.elementaryCells()
	for _, cell := range cells {
		probe := make([]float64, c.dims)
		for d, iv := range cell {
			probe[d] = representative(iv)
		}
		covered := false
		for i := range c.rules {
			if c.rules[i].matches(probe) {
				covered = true
				break
			}
		}
		if !covered {
			c.gaps = append(c.gaps, cell)
		}
	}
	if len(c.gaps) > 0 && !cfg.AllowGaps {
		return errors.Wrapf(utils.ErrInvalidRuleTable,
			"rule table %q: no rule covers %s (set allow_gaps to classify gaps as %q)",
			c.Name, c.formatBox(c.gaps[0]), c.Background.Label)
	}
	return nil
}

// validateLadder checks every rule gives only lower bounds and each rule
// is at least as restrictive as the next on every index, and strictly
// more on one.
func (c *Classifier) validateLadder(cfg utils.RuleTableConfig) error {
	for i, r := range c.rules {
		for d, iv := range r.box {
			if !math.IsInf(iv.Max, 1) || math.IsInf(iv.Min, -1) {
				return errors.Wrapf(utils.ErrInvalidRuleTable,
					"rule table %q: ladder rule %q must give only a min on %s",
					c.Name, c.ruleName(i), c.inputs[d])
			}
		}
	}
	for i := 0; i+1 < len(c.rules); i++ {
		strict := false
		for d := 0; d < c.dims; d++ {
			a, b := c.rules[i].box[d].Min, c.rules[i+1].box[d].Min
			if a < b {
				return errors.Wrapf(utils.ErrClassificationAmbiguous,
					"rule table %q: rule %q is less restrictive than the following rule %q on %s",
					c.Name, c.ruleName(i), c.ruleName(i+1), c.inputs[d])
			}
			if a > b {
				strict = true
			}
		}
		if !strict {
			return errors.Wrapf(utils.ErrClassificationAmbiguous,
				"rule table %q: rules %q and %q have identical thresholds",
				c.Name, c.ruleName(i), c.ruleName(i+1))
		}
	}
	return nil
}

func intersect(a, b []Interval) ([]Interval, bool) {
	out := make([]Interval, len(a))
	for d := range a {
		out[d] = Interval{Min: math.Max(a[d].Min, b[d].Min), Max: math.Min(a[d].Max, b[d].Max)}
		if !(out[d].Min < out[d].Max) {
			return nil, false
		}
	}
	return out, true
}

// elementaryCells splits each index axis at every finite rule bound and
// returns the cartesian product of the pieces. Each rule is a union of
// whole cells.
func (c *Classifier) elementaryCells() [][]Interval {
	axes := make([][]Interval, c.dims)
	for d := 0; d < c.dims; d++ {
		set := map[float64]bool{}
		for _, r := range c.rules {
			if iv := r.box[d]; !math.IsInf(iv.Min, 0) {
				set[iv.Min] = true
			}
			if iv := r.box[d]; !math.IsInf(iv.Max, 0) {
				set[iv.Max] = true
			}
		}
		points := make([]float64, 0, len(set))
		for p := range set {
			points = append(points, p)
		}
		sort.Float64s(points)

		lo := math.Inf(-1)
		for _, p := range points {
			axes[d] = append(axes[d], Interval{Min: lo, Max: p})
			lo = p
		}
		axes[d] = append(axes[d], Interval{Min: lo, Max: math.Inf(1)})
	}

	cells := [][]Interval{{}}
	for d := 0; d < c.dims; d++ {
		var next [][]Interval
		for _, prefix := range cells {
			for _, iv := range axes[d] {
				cell := make([]Interval, len(prefix), len(prefix)+1)
				copy(cell, prefix)
				next = append(next, append(cell, iv))
			}
		}
		cells = next
	}
	return cells
}

// representative picks a point inside a half open cell.
func representative(iv Interval) float64 {
	switch {
	case !math.IsInf(iv.Min, 0):
		return iv.Min
	case !math.IsInf(iv.Max, 0):
		return iv.Max - 1
	default:
		return 0
	}
}
