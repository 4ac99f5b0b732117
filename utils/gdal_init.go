package utils

import (
	"os"

	"github.com/airbusgeo/godal"
)

// InitGdal sets the GDAL environment defaults the raster codec relies on
// and registers the drivers. Values already present in the environment win.
func InitGdal() {
	setDefaultEnv("GDAL_PAM_ENABLED", "NO")
	setDefaultEnv("GDAL_DISABLE_READDIR_ON_OPEN", "EMPTY_DIR")
	setDefaultEnv("GDAL_MAX_DATASET_POOL_SIZE", "10")
	setDefaultEnv("GTIFF_REPORT_COMPD_CS", "NO")

	godal.RegisterAll()
}

func setDefaultEnv(envVar string, defaultVal string) {
	if _, ok := os.LookupEnv(envVar); !ok {
		os.Setenv(envVar, defaultVal)
	}
}
