package dem

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ESRIASCII reads ESRI ASCII grids (.asc), optionally zstd-compressed.
// A sibling .prj file, when present, supplies the CRS.
type ESRIASCII struct {
	CRS string // used when no .prj exists
}

// esriHeader holds the keyword block at the top of an ESRI ASCII grid.
type esriHeader struct {
	ncols, nrows     int
	xCorner, yCorner float64
	xCenter, yCenter float64
	hasCorner        bool
	hasCenter        bool
	dx, dy           float64
	noData           float64
	hasNoData        bool
}

var esriKeys = map[string]bool{
	"ncols": true, "nrows": true,
	"xllcorner": true, "yllcorner": true,
	"xllcenter": true, "yllcenter": true,
	"cellsize": true, "dx": true, "dy": true,
	"nodata_value": true,
}

// Read parses the grid at path.
func (r *ESRIASCII) Read(path string) (*Grid, error) {
	rc, err := openMaybeCompressed(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	sc.Split(bufio.ScanWords)

	var h esriHeader
	var first string // first data token, consumed while looking for the header end
	for sc.Scan() {
		key := strings.ToLower(sc.Text())
		if !esriKeys[key] {
			first = sc.Text()
			break
		}
		if !sc.Scan() {
			return nil, errors.Errorf("dem: %s: missing value for %s", path, key)
		}
		if err := h.set(key, sc.Text()); err != nil {
			return nil, errors.Wrapf(err, "dem: %s", path)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "dem: read %s", path)
	}
	if err := h.validate(); err != nil {
		return nil, errors.Wrapf(err, "dem: %s", path)
	}

	n := h.nrows * h.ncols
	data := make([]float64, 0, n)
	if first != "" {
		v, err := strconv.ParseFloat(first, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "dem: %s: bad value %q", path, first)
		}
		data = append(data, v)
	}
	for len(data) < n && sc.Scan() {
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "dem: %s: bad value %q", path, sc.Text())
		}
		data = append(data, v)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "dem: read %s", path)
	}
	if len(data) != n {
		return nil, errors.Errorf("dem: %s: expected %d values, found %d", path, n, len(data))
	}

	left, bottom := h.xCorner, h.yCorner
	if !h.hasCorner {
		left, bottom = h.xCenter-h.dx/2, h.yCenter-h.dy/2
	}
	top := bottom + float64(h.nrows)*h.dy

	lon := make([]float64, h.ncols)
	for j := range lon {
		lon[j] = left + (float64(j)+0.5)*h.dx
	}
	lat := make([]float64, h.nrows)
	for i := range lat {
		lat[i] = top - (float64(i)+0.5)*h.dy
	}

	return &Grid{
		Lon:       lon,
		Lat:       lat,
		Z:         mat.NewDense(h.nrows, h.ncols, data),
		NoData:    h.noData,
		HasNoData: h.hasNoData,
		Path:      path,
		CRS:       r.crs(path),
		Transform: [6]float64{left, h.dx, 0, top, 0, -h.dy},
		Res:       [2]float64{h.dx, h.dy},
	}, nil
}

// crs returns the contents of the sibling .prj file, or the configured
// default.
func (r *ESRIASCII) crs(path string) string {
	base := strings.TrimSuffix(path, zstdExt)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if wkt, err := os.ReadFile(base + ".prj"); err == nil {
		if s := strings.TrimSpace(string(wkt)); s != "" {
			return s
		}
	}
	return r.CRS
}

func (h *esriHeader) set(key, raw string) error {
	switch key {
	case "ncols", "nrows":
		v, err := strconv.Atoi(raw)
		if err != nil {
			return errors.Wrapf(err, "bad %s", key)
		}
		if key == "ncols" {
			h.ncols = v
		} else {
			h.nrows = v
		}
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return errors.Wrapf(err, "bad %s", key)
	}
	switch key {
	case "xllcorner":
		h.xCorner, h.hasCorner = v, true
	case "yllcorner":
		h.yCorner = v
	case "xllcenter":
		h.xCenter, h.hasCenter = v, true
	case "yllcenter":
		h.yCenter = v
	case "cellsize":
		h.dx, h.dy = v, v
	case "dx":
		h.dx = v
	case "dy":
		h.dy = v
	case "nodata_value":
		h.noData, h.hasNoData = v, true
	}
	return nil
}

func (h *esriHeader) validate() error {
	if h.ncols <= 0 || h.nrows <= 0 {
		return errors.Errorf("ncols and nrows must be > 0, got %d x %d", h.ncols, h.nrows)
	}
	if h.dx <= 0 || h.dy <= 0 {
		return errors.New("cellsize must be > 0")
	}
	if !h.hasCorner && !h.hasCenter {
		return errors.New("missing xllcorner/xllcenter")
	}
	return nil
}
