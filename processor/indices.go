package processor

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	goeval "github.com/edisonguo/govaluate"
	"github.com/hrsage/sage/utils"
	"github.com/pkg/errors"
)

var bandRef = regexp.MustCompile(`^b([1-9][0-9]*)$`)

// IndexExpr derives one index layer from the bands of a mosaic, either by
// copying a band (b1, b2, ...) or by evaluating band math.
type IndexExpr struct {
	Name string
	Text string
	band int
	expr *goeval.EvaluableExpression
	vars []string
	refs []int
}

// ParseIndexExpr compiles expr. Only band variables b1..bN are accepted.
func ParseIndexExpr(name, expr string) (*IndexExpr, error) {
	text := strings.TrimSpace(expr)
	if len(name) == 0 || len(text) == 0 {
		return nil, errors.Wrapf(utils.ErrInvalidConfig, "index %q needs a name and an expression", name)
	}
	ie := &IndexExpr{Name: name, Text: text}
	if m := bandRef.FindStringSubmatch(text); m != nil {
		ie.band, _ = strconv.Atoi(m[1])
		return ie, nil
	}

	parsed, err := goeval.NewEvaluableExpression(text)
	if err != nil {
		return nil, errors.Wrapf(utils.ErrInvalidConfig, "index %q: %v", name, err)
	}
	seen := map[string]bool{}
	for _, token := range parsed.Tokens() {
		if token.Kind != goeval.VARIABLE {
			continue
		}
		varName, ok := token.Value.(string)
		if !ok {
			return nil, errors.Wrapf(utils.ErrInvalidConfig, "index %q: variable token '%v' failed to cast string", name, token.Value)
		}
		m := bandRef.FindStringSubmatch(varName)
		if m == nil {
			return nil, errors.Wrapf(utils.ErrInvalidConfig, "index %q: variable %s is not a band, expected b1..bN", name, varName)
		}
		if seen[varName] {
			continue
		}
		seen[varName] = true
		n, _ := strconv.Atoi(m[1])
		ie.vars = append(ie.vars, varName)
		ie.refs = append(ie.refs, n)
	}
	if len(ie.vars) == 0 {
		return nil, errors.Wrapf(utils.ErrInvalidConfig, "index %q references no band", name)
	}
	ie.expr = parsed
	return ie, nil
}

// MaxBand is the highest band number the expression reads.
func (ie *IndexExpr) MaxBand() int {
	n := ie.band
	for _, r := range ie.refs {
		if r > n {
			n = r
		}
	}
	return n
}

func (ie *IndexExpr) derive(r *utils.Float64Raster) ([]float64, error) {
	if ie.MaxBand() > len(r.Bands) {
		return nil, errors.Errorf("index %s reads band %d of a %d band raster", ie.Name, ie.MaxBand(), len(r.Bands))
	}
	out := make([]float64, r.Width*r.Height)
	if ie.expr == nil {
		src := r.Bands[ie.band-1]
		for i, v := range src {
			out[i] = finiteOrNaN(v)
		}
		return out, nil
	}

	params := make(map[string]interface{}, len(ie.vars))
	for i := range out {
		missing := false
		for k, v := range ie.vars {
			s := r.Bands[ie.refs[k]-1][i]
			if math.IsNaN(s) || math.IsInf(s, 0) {
				missing = true
				break
			}
			params[v] = s
		}
		if missing {
			out[i] = math.NaN()
			continue
		}

		result, err := ie.expr.Evaluate(params)
		if err != nil {
			return nil, errors.Wrapf(err, "index %s: evaluating '%s'", ie.Name, ie.Text)
		}
		switch val := result.(type) {
		case float64:
			out[i] = finiteOrNaN(val)
		case float32:
			out[i] = finiteOrNaN(float64(val))
		case bool:
			if val {
				out[i] = 1
			}
		default:
			return nil, fmt.Errorf("index %s: failed to cast eval result '%v' to a number", ie.Name, result)
		}
	}
	return out, nil
}

func finiteOrNaN(v float64) float64 {
	if math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}

// DeriveIndices evaluates every expression over the mosaic. Cells where
// an input band is missing, or the result is not finite, are NaN.
func DeriveIndices(mosaic *utils.Float64Raster, exprs []*IndexExpr) (*IndexStack, error) {
	if mosaic == nil {
		return nil, errors.Wrap(utils.ErrNoInputData, "no mosaic to derive indices from")
	}
	stack := &IndexStack{
		Width:     mosaic.Width,
		Height:    mosaic.Height,
		Transform: mosaic.Transform,
		CRS:       mosaic.CRS,
	}
	for _, ie := range exprs {
		layer, err := ie.derive(mosaic)
		if err != nil {
			return nil, err
		}
		stack.Names = append(stack.Names, ie.Name)
		stack.Layers = append(stack.Layers, layer)
	}
	return stack, nil
}
