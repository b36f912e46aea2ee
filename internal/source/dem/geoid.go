package dem

import (
	"github.com/pkg/errors"
	"github.com/westphae/geomag/pkg/egm96"
)

// EGM96Undulation returns the height of the EGM96 geoid above the WGS84
// ellipsoid at a point (degrees), in metres. Adding it to an orthometric
// (mean sea level) height gives an ellipsoidal height.
func EGM96Undulation(lon, lat float64) (float64, error) {
	loc := egm96.NewLocationGeodetic(lat, lon, 0)
	hMSL, err := loc.HeightAboveMSL()
	if err != nil {
		return 0, errors.Wrapf(err, "dem: egm96 at (%g, %g)", lon, lat)
	}
	// A point on the ellipsoid sits -N above mean sea level.
	return -hMSL, nil
}
