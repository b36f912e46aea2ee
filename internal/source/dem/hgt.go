package dem

import (
	"encoding/binary"
	"io"
	"math"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// SRTM tile sizes: 3 arc-second (SRTM3) and 1 arc-second (SRTM1).
const (
	SRTM3Samples = 1201
	SRTM1Samples = 3601

	// SRTMVoid marks missing samples.
	SRTMVoid = -32768
)

var hgtName = regexp.MustCompile(`(?i)^([NS])(\d{2})([EW])(\d{3})`)

// SRTM reads 1°x1° .hgt tiles: big-endian int16 samples on a lattice
// whose outer rows and columns sit on whole degrees. The tile's
// south-west corner comes from its file name, e.g. N37W123.hgt.
type SRTM struct {
	CRS string
}

// Read parses the tile at path.
func (r *SRTM) Read(path string) (*Grid, error) {
	lat0, lon0, err := parseHGTName(path)
	if err != nil {
		return nil, err
	}

	rc, err := openMaybeCompressed(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "dem: read %s", path)
	}

	n := int(math.Round(math.Sqrt(float64(len(raw) / 2))))
	if n < 2 || n*n*2 != len(raw) {
		return nil, errors.Errorf("dem: %s: %d bytes is not a square SRTM tile", path, len(raw))
	}
	if n != SRTM3Samples && n != SRTM1Samples {
		return nil, errors.Errorf("dem: %s: unexpected tile size %d (want %d or %d)", path, n, SRTM3Samples, SRTM1Samples)
	}

	data := make([]float64, n*n)
	for i := range data {
		data[i] = float64(int16(binary.BigEndian.Uint16(raw[2*i:])))
	}

	step := 1.0 / float64(n-1)
	lon := make([]float64, n)
	lat := make([]float64, n)
	for i := 0; i < n; i++ {
		lon[i] = lon0 + float64(i)*step
		lat[i] = lat0 + 1 - float64(i)*step
	}

	return &Grid{
		Lon:       lon,
		Lat:       lat,
		Z:         mat.NewDense(n, n, data),
		NoData:    SRTMVoid,
		HasNoData: true,
		Path:      path,
		CRS:       r.CRS,
		Transform: [6]float64{lon0 - step/2, step, 0, lat0 + 1 + step/2, 0, -step},
		Res:       [2]float64{step, step},
	}, nil
}

// parseHGTName returns the south-west corner encoded in a tile name.
func parseHGTName(path string) (lat, lon float64, err error) {
	base := filepath.Base(strings.TrimSuffix(path, zstdExt))
	m := hgtName.FindStringSubmatch(base)
	if m == nil {
		return 0, 0, errors.Errorf("dem: %s: tile name must look like N37W123.hgt", base)
	}
	latDeg, _ := strconv.Atoi(m[2])
	lonDeg, _ := strconv.Atoi(m[4])
	lat, lon = float64(latDeg), float64(lonDeg)
	if strings.EqualFold(m[1], "S") {
		lat = -lat
	}
	if strings.EqualFold(m[3], "W") {
		lon = -lon
	}
	return lat, lon, nil
}
