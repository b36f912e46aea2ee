package dem

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/cjeanneret/OrthoGo/internal/store/ncstore"
)

const epsilon = 1e-9

const cornerGrid = `ncols 3
nrows 2
xllcorner -100.0
yllcorner 39.0
cellsize 0.5
NODATA_value -9999
10 20 30
-9999 0 60
`

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestESRIASCII_Corner(t *testing.T) {
	path := writeFile(t, t.TempDir(), "dem.asc", []byte(cornerGrid))
	g, err := Open(path, Options{CRS: "EPSG:4326"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rows, cols := g.Dims()
	if rows != 2 || cols != 3 {
		t.Fatalf("Dims() = (%d, %d), want (2, 3)", rows, cols)
	}
	wantLon := []float64{-99.75, -99.25, -98.75}
	for i, w := range wantLon {
		if math.Abs(g.Lon[i]-w) > epsilon {
			t.Errorf("Lon[%d] = %v, want %v", i, g.Lon[i], w)
		}
	}
	// North-up: first row is the northern one.
	if math.Abs(g.Lat[0]-39.75) > epsilon || math.Abs(g.Lat[1]-39.25) > epsilon {
		t.Errorf("Lat = %v, want [39.75 39.25]", g.Lat)
	}
	if g.Z.At(0, 2) != 30 || g.Z.At(1, 0) != -9999 {
		t.Errorf("Z = %v", g.Z.RawMatrix().Data)
	}
	if !g.HasNoData || g.NoData != -9999 {
		t.Errorf("NoData = (%v, %v), want (-9999, true)", g.NoData, g.HasNoData)
	}
	want := [6]float64{-100, 0.5, 0, 40, 0, -0.5}
	if g.Transform != want {
		t.Errorf("Transform = %v, want %v", g.Transform, want)
	}
	if g.CRS != "EPSG:4326" {
		t.Errorf("CRS = %q, want EPSG:4326", g.CRS)
	}

	b := g.Bound()
	if b.Min[0] != -99.75 || b.Max[0] != -98.75 || b.Min[1] != 39.25 || b.Max[1] != 39.75 {
		t.Errorf("Bound() = %v", b)
	}
}

func TestESRIASCII_CenterAndPrj(t *testing.T) {
	dir := t.TempDir()
	grid := "NCOLS 2\nNROWS 2\nXLLCENTER 10\nYLLCENTER 20\nCELLSIZE 1\n1 2\n3 4\n"
	path := writeFile(t, dir, "center.asc", []byte(grid))
	writeFile(t, dir, "center.prj", []byte(`GEOGCS["NAD83"]`+"\n"))

	g, err := Open(path, Options{CRS: "EPSG:4326"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if g.Lon[0] != 10 || g.Lon[1] != 11 || g.Lat[0] != 21 || g.Lat[1] != 20 {
		t.Errorf("axes = %v / %v", g.Lon, g.Lat)
	}
	if g.HasNoData {
		t.Error("HasNoData = true, want false")
	}
	if g.CRS != `GEOGCS["NAD83"]` {
		t.Errorf("CRS = %q, want the .prj contents", g.CRS)
	}
}

func TestESRIASCII_Errors(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"short_data", "ncols 2\nnrows 2\nxllcorner 0\nyllcorner 0\ncellsize 1\n1 2 3\n"},
		{"bad_value", "ncols 1\nnrows 1\nxllcorner 0\nyllcorner 0\ncellsize 1\nabc\n"},
		{"no_origin", "ncols 1\nnrows 1\ncellsize 1\n5\n"},
		{"zero_size", "ncols 0\nnrows 1\nxllcorner 0\nyllcorner 0\ncellsize 1\n"},
		{"missing_value", "ncols"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "bad.asc", []byte(tc.data))
			if _, err := Open(path, Options{}); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestESRIASCII_Zstd(t *testing.T) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write([]byte(cornerGrid)); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	path := writeFile(t, t.TempDir(), "dem.asc.zst", buf.Bytes())

	g, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if g.Z.At(1, 2) != 60 {
		t.Errorf("Z(1,2) = %v, want 60", g.Z.At(1, 2))
	}
}

func TestOpen_NoDataOverride(t *testing.T) {
	path := writeFile(t, t.TempDir(), "dem.asc", []byte(cornerGrid))
	nd := 20.0
	g, err := Open(path, Options{NoData: &nd})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if g.NoData != 20 || !g.HasNoData {
		t.Errorf("NoData = (%v, %v), want (20, true)", g.NoData, g.HasNoData)
	}
}

func TestSRTM(t *testing.T) {
	n := SRTM3Samples
	raw := make([]byte, n*n*2)
	put := func(r, c int, v int16) {
		binary.BigEndian.PutUint16(raw[2*(r*n+c):], uint16(v))
	}
	put(0, 0, 1234)
	put(n-1, n-1, -5)
	put(10, 10, SRTMVoid)
	path := writeFile(t, t.TempDir(), "S01W123.hgt", raw)

	g, err := Open(path, Options{CRS: "EPSG:4326"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rows, cols := g.Dims()
	if rows != n || cols != n {
		t.Fatalf("Dims() = (%d, %d), want (%d, %d)", rows, cols, n, n)
	}
	if g.Lon[0] != -123 || math.Abs(g.Lon[n-1]-(-122)) > epsilon {
		t.Errorf("Lon range = [%v, %v], want [-123, -122]", g.Lon[0], g.Lon[n-1])
	}
	if g.Lat[0] != 0 || math.Abs(g.Lat[n-1]-(-1)) > epsilon {
		t.Errorf("Lat range = [%v, %v], want [0, -1]", g.Lat[0], g.Lat[n-1])
	}
	if g.Z.At(0, 0) != 1234 || g.Z.At(n-1, n-1) != -5 || g.Z.At(10, 10) != SRTMVoid {
		t.Errorf("samples = %v %v %v", g.Z.At(0, 0), g.Z.At(n-1, n-1), g.Z.At(10, 10))
	}
	if g.NoData != SRTMVoid || !g.HasNoData {
		t.Errorf("NoData = %v, want %v", g.NoData, SRTMVoid)
	}
}

func TestSRTM_Errors(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		file string
		size int
	}{
		{"bad_name", "tile.hgt", SRTM3Samples * SRTM3Samples * 2},
		{"not_square", "N10E010.hgt", 1000},
		{"odd_size", "N10E010.hgt", 100 * 100 * 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, dir, tc.file, make([]byte, tc.size))
			if _, err := (&SRTM{}).Read(path); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestParseHGTName(t *testing.T) {
	cases := []struct {
		name     string
		lat, lon float64
	}{
		{"N37W123.hgt", 37, -123},
		{"s12e045.hgt", -12, 45},
		{"/data/N00E000.hgt.zst", 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lat, lon, err := parseHGTName(tc.name)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if lat != tc.lat || lon != tc.lon {
				t.Errorf("parseHGTName(%q) = (%v, %v), want (%v, %v)", tc.name, lat, lon, tc.lat, tc.lon)
			}
		})
	}
}

func writeNetCDFDEM(t *testing.T, path string, lonLat bool) {
	t.Helper()
	ds := &ncstore.Dataset{}
	lonDim, latDim := "lon", "lat"
	if err := ds.AddDim(latDim, 2); err != nil {
		t.Fatal(err)
	}
	if err := ds.AddDim(lonDim, 3); err != nil {
		t.Fatal(err)
	}
	ds.Attrs.Set("crs", "EPSG:4979")

	elev := &ncstore.Variable{Name: "elevation", Dims: []string{latDim, lonDim}, Data: []float64{1, 2, 3, 4, -1, 6}}
	if lonLat {
		// Same values stored column-major.
		elev = &ncstore.Variable{Name: "elevation", Dims: []string{lonDim, latDim}, Data: []float64{1, 4, 2, -1, 3, 6}}
	}
	elev.Attrs.Set("_FillValue", -1.0)
	for _, v := range []*ncstore.Variable{
		{Name: "lat", Dims: []string{latDim}, Data: []float64{45, 44}},
		{Name: "lon", Dims: []string{lonDim}, Data: []float64{5, 6, 7}},
		elev,
	} {
		if err := ds.AddVar(v); err != nil {
			t.Fatal(err)
		}
	}
	if err := ncstore.Write(path, ds); err != nil {
		t.Fatal(err)
	}
}

func TestNetCDF(t *testing.T) {
	for _, lonLat := range []bool{false, true} {
		path := filepath.Join(t.TempDir(), "dem.nc")
		writeNetCDFDEM(t, path, lonLat)

		g, err := Open(path, Options{CRS: "EPSG:4326"})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		rows, cols := g.Dims()
		if rows != 2 || cols != 3 {
			t.Fatalf("Dims() = (%d, %d), want (2, 3)", rows, cols)
		}
		if g.Z.At(0, 1) != 2 || g.Z.At(1, 2) != 6 {
			t.Errorf("lonLat=%v: Z = %v", lonLat, g.Z.RawMatrix().Data)
		}
		if !math.IsNaN(g.Z.At(1, 1)) {
			t.Errorf("lonLat=%v: fill value should be NaN, got %v", lonLat, g.Z.At(1, 1))
		}
		if g.CRS != "EPSG:4979" {
			t.Errorf("CRS = %q, want EPSG:4979", g.CRS)
		}
		want := [6]float64{4.5, 1, 0, 45.5, 0, -1}
		if g.Transform != want {
			t.Errorf("Transform = %v, want %v", g.Transform, want)
		}
	}
}

func TestNetCDF_MissingVariable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dem.nc")
	writeNetCDFDEM(t, path, false)
	if _, err := (&NetCDF{Variable: "nope"}).Read(path); err == nil {
		t.Error("expected error for missing variable, got nil")
	}
}

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"a.asc", "esri_ascii", false},
		{"a.ASC.zst", "esri_ascii", false},
		{"N37W123.hgt", "srtm_hgt", false},
		{"N37W123.hgt.zst", "srtm_hgt", false},
		{"gebco.nc", "netcdf", false},
		{"dem.tif", "geotiff", false},
		{"srtm_38_03.TIFF.zst", "geotiff", false},
		{"dem.jp2", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			got, err := DetectFormat(tc.path)
			if tc.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("DetectFormat(%q) = %q, want %q", tc.path, got, tc.want)
			}
		})
	}
}

func TestNewReader_UnknownFormat(t *testing.T) {
	if _, err := NewReader("jpeg2000", Options{}); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestEGM96Undulation(t *testing.T) {
	// EGM96 undulations stay within about -107 m and +86 m.
	n, err := EGM96Undulation(0, 0)
	if err != nil {
		t.Skipf("egm96 model unavailable: %v", err)
	}
	if n < -110 || n > 90 {
		t.Errorf("EGM96Undulation(0, 0) = %v, want within [-110, 90]", n)
	}
	if n == 0 {
		t.Error("EGM96Undulation(0, 0) = 0, want a non-zero undulation")
	}
}
