package utils

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrSourceUnavailable       = errors.New("no raster or rows could be fetched")
	ErrSourceNotFound          = errors.New("source object not found")
	ErrNoInputData             = errors.New("no valid input data")
	ErrInvalidGeometry         = errors.New("invalid geometry")
	ErrClassificationAmbiguous = errors.New("ambiguous classification rules")
	ErrInvalidRuleTable        = errors.New("invalid rule table")
	ErrInvalidConfig           = errors.New("invalid config")
)

// HTTPStatus maps an error kind to the status code served for it.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidGeometry):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoInputData), errors.Is(err, ErrSourceNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
