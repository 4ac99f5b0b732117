package utils

import (
	"fmt"
	"image/color"
	"strings"

	"github.com/pkg/errors"
)

// Bound is a half open interval over one index: Min is inclusive, Max is
// exclusive and a missing end is unbounded.
type Bound struct {
	Min *float64 `yaml:"min"`
	Max *float64 `yaml:"max"`
}

type RuleConfig struct {
	Label      string           `yaml:"label"`
	Colour     string           `yaml:"color"`
	Code       int              `yaml:"code"`
	Background bool             `yaml:"background"`
	When       map[string]Bound `yaml:"when"`
}

type CountGate struct {
	Index string  `yaml:"index"`
	Min   float64 `yaml:"min"`
}

type BackgroundConfig struct {
	Label  string `yaml:"label"`
	Colour string `yaml:"color"`
}

// RuleTableConfig is the declarative form of a classifier. Mode is
// "partition" (disjoint boxes) or "ladder" (minimum thresholds, most
// restrictive first).
type RuleTableConfig struct {
	Name       string           `yaml:"name"`
	Mode       string           `yaml:"mode"`
	Indices    []string         `yaml:"indices"`
	AllowGaps  bool             `yaml:"allow_gaps"`
	Background BackgroundConfig `yaml:"background"`
	Rules      []RuleConfig     `yaml:"rules"`
	CountGate  *CountGate       `yaml:"count_gate"`
}

var namedColours = map[string]color.RGBA{
	"yellow": {R: 255, G: 255, B: 0, A: 255},
	"green":  {R: 0, G: 128, B: 0, A: 255},
	"orange": {R: 255, G: 165, B: 0, A: 255},
	"red":    {R: 255, G: 0, B: 0, A: 255},
	"gray":   {R: 128, G: 128, B: 128, A: 255},
	"grey":   {R: 128, G: 128, B: 128, A: 255},
	"blue":   {R: 0, G: 0, B: 255, A: 255},
	"brown":  {R: 165, G: 42, B: 42, A: 255},
	"white":  {R: 255, G: 255, B: 255, A: 255},
	"black":  {R: 0, G: 0, B: 0, A: 255},
}

// ParseColour accepts a colour name or a #rrggbb hex string.
func ParseColour(s string) (color.RGBA, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := namedColours[s]; ok {
		return c, nil
	}
	if len(s) == 7 && s[0] == '#' {
		var c color.RGBA
		if _, err := fmt.Sscanf(s, "#%02x%02x%02x", &c.R, &c.G, &c.B); err == nil {
			c.A = 255
			return c, nil
		}
	}
	return color.RGBA{}, errors.Errorf("unknown colour %q", s)
}
