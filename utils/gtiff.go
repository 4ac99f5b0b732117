package utils

import (
	"math"
	"os"
	"path/filepath"

	"github.com/airbusgeo/godal"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// gdalErrors keeps GDAL warnings out of the error path and sends them to
// the debug log instead.
var gdalErrors = godal.ErrLogger(func(ec godal.ErrorCategory, code int, msg string) error {
	if ec <= godal.CE_Warning {
		zap.L().Debug("gdal warning", zap.Int("code", code), zap.String("msg", msg))
		return nil
	}
	return errors.Errorf("gdal error %d: %s", code, msg)
})

// tempRasterFile writes data to a uniquely named file under dir and returns
// its path together with the function that removes it.
func tempRasterFile(dir string, data []byte) (string, func(), error) {
	if len(dir) == 0 {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "raster_"+uuid.NewString()+".tif")
	if data != nil {
		if err := os.WriteFile(path, data, 0600); err != nil {
			return "", nil, errors.Wrap(err, "failed to write raster temp file")
		}
	}
	return path, func() { os.Remove(path) }, nil
}

// GTiffDecoder decodes GeoTIFF payloads through GDAL. Payloads are staged
// in TmpDir and removed before Decode returns.
type GTiffDecoder struct {
	TmpDir string
}

func (d GTiffDecoder) Decode(data []byte) (*Float64Raster, error) {
	return DecodeGTiff(data, d.TmpDir)
}

// DecodeGTiff reads every band of a GeoTIFF as float64. Band nodata
// values are replaced by NaN so the result always uses NaN as nodata.
func DecodeGTiff(data []byte, tmpDir string) (*Float64Raster, error) {
	if len(data) == 0 {
		return nil, errors.New("empty raster payload")
	}
	path, cleanup, err := tempRasterFile(tmpDir, data)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	ds, err := godal.Open(path, godal.RasterOnly(), gdalErrors)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open raster")
	}
	defer ds.Close()

	st := ds.Structure()
	gt, err := ds.GeoTransform()
	if err != nil {
		return nil, errors.Wrap(err, "raster carries no geotransform")
	}

	out := &Float64Raster{
		Width:     st.SizeX,
		Height:    st.SizeY,
		NoData:    math.NaN(),
		Transform: GeoTransform(gt),
		CRS:       ds.Projection(),
	}
	for i, band := range ds.Bands() {
		buf := make([]float64, st.SizeX*st.SizeY)
		if err := band.Read(0, 0, buf, st.SizeX, st.SizeY); err != nil {
			return nil, errors.Wrapf(err, "failed to read band %d", i+1)
		}
		if nd, ok := band.NoData(); ok {
			for j, v := range buf {
				if v == nd {
					buf[j] = math.NaN()
				}
			}
		}
		out.Bands = append(out.Bands, buf)
	}
	return out, nil
}

// EncodeGTiff writes a single band Byte GeoTIFF with the raster's transform
// and CRS. Nodata is left unset because 0 is a valid class code.
func EncodeGTiff(br *ByteRaster, tmpDir string) ([]byte, error) {
	if br == nil || br.Width <= 0 || br.Height <= 0 || len(br.Data) != br.Width*br.Height {
		return nil, errors.New("cannot encode an empty or malformed byte raster")
	}
	path, cleanup, err := tempRasterFile(tmpDir, nil)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	ds, err := godal.Create(godal.GTiff, path, 1, godal.Byte, br.Width, br.Height,
		godal.CreationOption("COMPRESS=PACKBITS", "INTERLEAVE=BAND"), gdalErrors)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create raster")
	}
	if err = ds.SetGeoTransform([6]float64(br.Transform)); err != nil {
		ds.Close()
		return nil, errors.Wrap(err, "failed to set geotransform")
	}
	if len(br.CRS) > 0 {
		if err = ds.SetProjection(br.CRS); err != nil {
			ds.Close()
			return nil, errors.Wrap(err, "failed to set projection")
		}
	}
	if err = ds.Bands()[0].Write(0, 0, br.Data, br.Width, br.Height); err != nil {
		ds.Close()
		return nil, errors.Wrap(err, "failed to write band")
	}
	if err = ds.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to flush raster")
	}

	return os.ReadFile(path)
}

// WGS84Transformer projects coordinates from a source CRS to EPSG:4326 in
// longitude, latitude order.
type WGS84Transformer struct {
	src, dst *godal.SpatialRef
	tr       *godal.Transform
}

// NewWGS84Transformer builds a transformer from the WKT of the source CRS.
func NewWGS84Transformer(srcWKT string) (*WGS84Transformer, error) {
	return newTransformer(srcWKT, true)
}

// NewFromWGS84Transformer builds the reverse transformer, from EPSG:4326
// to the CRS described by dstWKT.
func NewFromWGS84Transformer(dstWKT string) (*WGS84Transformer, error) {
	return newTransformer(dstWKT, false)
}

func newTransformer(wkt string, toWGS84 bool) (*WGS84Transformer, error) {
	other, err := godal.NewSpatialRefFromWKT(wkt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse CRS")
	}
	wgs84, err := godal.NewSpatialRefFromEPSG(4326)
	if err != nil {
		other.Close()
		return nil, errors.Wrap(err, "failed to build EPSG:4326")
	}
	src, dst := other, wgs84
	if !toWGS84 {
		src, dst = wgs84, other
	}
	tr, err := godal.NewTransform(src, dst)
	if err != nil {
		other.Close()
		wgs84.Close()
		return nil, errors.Wrap(err, "failed to build coordinate transform")
	}
	return &WGS84Transformer{src: src, dst: dst, tr: tr}, nil
}

// Transform rewrites xs and ys in place. Points GDAL fails to project are
// set to NaN.
func (t *WGS84Transformer) Transform(xs, ys []float64) error {
	ok := make([]bool, len(xs))
	if err := t.tr.TransformEx(xs, ys, nil, ok); err != nil {
		return errors.Wrap(err, "coordinate transform failed")
	}
	for i := range ok {
		if !ok[i] {
			xs[i] = math.NaN()
			ys[i] = math.NaN()
		}
	}
	return nil
}

func (t *WGS84Transformer) Close() {
	t.tr.Close()
	t.src.Close()
	t.dst.Close()
}
