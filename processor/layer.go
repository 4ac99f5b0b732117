package processor

import (
	"image/color"

	"github.com/hrsage/sage/utils"
	"github.com/pkg/errors"
)

// Layer is a configured layer ready to serve: expressions parsed, rule
// table resolved and preview ramp expanded.
type Layer struct {
	Name         string
	Title        string
	Source       string
	Files        []string
	Table        string
	Columns      RowColumns
	Indices      []*IndexExpr
	Classifier   *Classifier
	Mask         MaskOptions
	ProjectWGS84 bool
	Preview      utils.ScaleParams
	Ramp         []color.RGBA
}

func (l *Layer) IsTable() bool {
	return len(l.Table) > 0
}

// CompileLayer resolves a layer config against the compiled rule tables.
func CompileLayer(cfg *utils.Layer, classifiers map[string]*Classifier) (*Layer, error) {
	clf, ok := classifiers[cfg.RuleTable]
	if !ok {
		return nil, errors.Wrapf(utils.ErrInvalidConfig, "layer %q references unknown rule table %q", cfg.Name, cfg.RuleTable)
	}
	l := &Layer{
		Name:         cfg.Name,
		Title:        cfg.Title,
		Source:       cfg.Source,
		Files:        cfg.Files,
		Table:        cfg.Table,
		Classifier:   clf,
		ProjectWGS84: cfg.ProjectWGS84,
		Preview:      utils.ScaleParams{Offset: cfg.Preview.Offset, Scale: cfg.Preview.Scale, Clip: cfg.Preview.Clip},
		Mask:         MaskOptions{Index: cfg.MaskIndex, ValidMin: -1, ValidMax: 1},
	}
	if cfg.ValidMin != nil {
		l.Mask.ValidMin = *cfg.ValidMin
	}
	if cfg.ValidMax != nil {
		l.Mask.ValidMax = *cfg.ValidMax
	}
	if len(l.Mask.Index) == 0 && len(cfg.Indices) > 0 {
		l.Mask.Index = cfg.Indices[0].Name
	}
	if cfg.Texture != nil {
		l.Mask.Texture = &TextureOptions{Radius: cfg.Texture.Radius, Threshold: cfg.Texture.Threshold}
	}
	if cfg.Terrain != nil {
		l.Mask.Terrain = &TerrainOptions{Threshold: cfg.Terrain.Threshold}
	}

	declared := map[string]bool{}
	if cfg.IsTable() {
		l.Columns = RowColumns{Lat: cfg.LatColumn, Lng: cfg.LngColumn, Indices: map[string]string{}}
		for _, ix := range cfg.Indices {
			l.Columns.Indices[ix.Name] = ix.Column
			declared[ix.Name] = true
		}
	} else {
		for _, ix := range cfg.Indices {
			ie, err := ParseIndexExpr(ix.Name, ix.Expr)
			if err != nil {
				return nil, errors.Wrapf(err, "layer %q", cfg.Name)
			}
			l.Indices = append(l.Indices, ie)
			declared[ix.Name] = true
		}
		if !declared[l.Mask.Index] {
			return nil, errors.Wrapf(utils.ErrInvalidConfig, "layer %q masks on undeclared index %q", cfg.Name, l.Mask.Index)
		}
		for _, in := range clf.Inputs() {
			if !declared[in] {
				return nil, errors.Wrapf(utils.ErrInvalidConfig, "layer %q does not derive %q needed by rule table %q", cfg.Name, in, clf.Name)
			}
		}
	}

	ramp, err := GradientRGBAPalette(cfg.Preview.Palette)
	if err != nil {
		return nil, errors.Wrapf(utils.ErrInvalidConfig, "layer %q: %v", cfg.Name, err)
	}
	l.Ramp = ramp
	return l, nil
}

// CompileLayers compiles the rule tables then every layer of config.
func CompileLayers(config *utils.Config) (map[string]*Layer, map[string]*Classifier, error) {
	classifiers, err := CompileRuleTables(config.RuleTables)
	if err != nil {
		return nil, nil, err
	}
	layers := make(map[string]*Layer, len(config.Layers))
	for i := range config.Layers {
		l, err := CompileLayer(&config.Layers[i], classifiers)
		if err != nil {
			return nil, nil, err
		}
		layers[l.Name] = l
	}
	return layers, classifiers, nil
}
