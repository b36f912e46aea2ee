package resample

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gonum.org/v1/gonum/mat"

	"github.com/cjeanneret/OrthoGo/internal/logic/geometry"
	"github.com/cjeanneret/OrthoGo/internal/logic/orthomap"
	"github.com/cjeanneret/OrthoGo/internal/observability"
	"github.com/cjeanneret/OrthoGo/internal/source/abi"
	"github.com/cjeanneret/OrthoGo/internal/store/ncstore"
)

func TestNearest(t *testing.T) {
	asc := []float64{0, 1, 2, 3}
	desc := []float64{3, 2, 1, 0}
	nan := math.NaN()

	cases := []struct {
		name string
		axis []float64
		v    float64
		want int
	}{
		{"asc_below", asc, -5, 0},
		{"asc_low", asc, 0.4, 0},
		{"asc_tie", asc, 0.5, 1},
		{"asc_exact", asc, 2, 2},
		{"asc_mid", asc, 1.6, 2},
		{"asc_above", asc, 10, 3},
		{"asc_nan", asc, nan, -1},
		{"desc_tie_low", desc, 0.5, 2},
		{"desc_tie_high", desc, 2.5, 0},
		{"desc_mid", desc, 1.2, 2},
		{"desc_above", desc, 10, 0},
		{"desc_below", desc, -1, 3},
		{"desc_nan", desc, nan, -1},
		{"single", []float64{5}, -100, 0},
		{"empty", nil, 1, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Nearest(tc.axis, tc.v); got != tc.want {
				t.Errorf("Nearest(%v, %v) = %d, want %d", tc.axis, tc.v, got, tc.want)
			}
		})
	}
}

func TestNearest_WithinHalfSpacing(t *testing.T) {
	// ABI-like axis: 56 µrad spacing, descending.
	const step = 56e-6
	axis := make([]float64, 200)
	for i := range axis {
		axis[i] = 0.05 - float64(i)*step
	}
	for k := 0; k < 1000; k++ {
		v := 0.05 - float64(k)*step*0.1987
		if v < axis[len(axis)-1] {
			break
		}
		i := Nearest(axis, v)
		if d := math.Abs(axis[i] - v); d > step/2+1e-15 {
			t.Fatalf("Nearest(%v) = axis[%d] = %v, %v away (> half spacing)", v, i, axis[i], d)
		}
	}
}

func TestMonotonic(t *testing.T) {
	cases := []struct {
		v    []float64
		want bool
	}{
		{[]float64{1}, true},
		{[]float64{1, 2, 3}, true},
		{[]float64{3, 2, 1}, true},
		{[]float64{1, 1, 2}, false},
		{[]float64{1, 3, 2}, false},
		{[]float64{1, math.NaN()}, false},
	}
	for _, tc := range cases {
		if got := monotonic(tc.v); got != tc.want {
			t.Errorf("monotonic(%v) = %v, want %v", tc.v, got, tc.want)
		}
	}
}

func goesEast() geometry.Projection {
	return geometry.NewProjection(35786023, 6378137, 6356752.31414, -75)
}

func TestCheckProjection(t *testing.T) {
	p := goesEast()

	if got := CheckProjection(p, p); len(got) != 0 {
		t.Errorf("identical projections: %d mismatches, want 0", len(got))
	}

	nearly := p
	nearly.SatHeight *= 1 + 1e-12
	if got := CheckProjection(nearly, p); len(got) != 0 {
		t.Errorf("within tolerance: %d mismatches, want 0", len(got))
	}

	west := p
	west.LonOrigin = -137
	west.SemiMinor = 6356752
	got := CheckProjection(west, p)
	if len(got) != 2 {
		t.Fatalf("mismatches = %+v, want 2", got)
	}
	if got[0].Param != "semi_minor_axis" || got[1].Param != "longitude_of_projection_origin" {
		t.Errorf("params = %s, %s", got[0].Param, got[1].Param)
	}
	if got[1].Image != -137 || got[1].Map != -75 {
		t.Errorf("lon0 mismatch = %+v", got[1])
	}
}

// testImage has 5x5 samples where Rad(iy, ix) = 10*iy + ix. y descends
// like ABI rows.
func testImage() *abi.Image {
	rad := mat.NewDense(5, 5, nil)
	for r := 0; r < 5; r++ {
		for c := 0; c < 5; c++ {
			rad.Set(r, c, float64(10*r+c))
		}
	}
	return &abi.Image{
		Projection:  goesEast(),
		X:           []float64{-0.02, -0.01, 0, 0.01, 0.02},
		Y:           []float64{0.02, 0.01, 0, -0.01, -0.02},
		Rad:         rad,
		DatasetName: "OR_ABI_test",
		Units:       "mW m-2 sr-1 (cm-1)-1",
		Band:        2,
	}
}

func testMap() *orthomap.OrthoMap {
	nan := math.NaN()
	return &orthomap.OrthoMap{
		Projection: goesEast(),
		Lon:        []float64{-75.1, -74.9},
		Lat:        []float64{0.1, -0.1},
		Elevation:  mat.NewDense(2, 2, []float64{1, 2, nan, 4}),
		ScanX:      mat.NewDense(2, 2, []float64{-0.012, 0.0049, nan, 0.5}),
		ScanY:      mat.NewDense(2, 2, []float64{0.011, -0.019, nan, -0.5}),
	}
}

func TestApply(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewCollector(reg)
	if err != nil {
		t.Fatal(err)
	}

	res, err := Apply(context.Background(), testImage(), testMap(), Options{Metrics: metrics})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	rows, cols := res.Rad.Dims()
	if rows != 2 || cols != 2 {
		t.Fatalf("Rad dims = (%d, %d), want (2, 2)", rows, cols)
	}
	want := []float64{11, 42, math.NaN(), 44}
	for i, w := range want {
		got := res.Rad.At(i/2, i%2)
		if !(got == w || (math.IsNaN(got) && math.IsNaN(w))) {
			t.Errorf("Rad(%d,%d) = %v, want %v", i/2, i%2, got, w)
		}
	}
	if res.Matched != 3 || res.Unmatched != 1 {
		t.Errorf("Matched/Unmatched = %d/%d, want 3/1", res.Matched, res.Unmatched)
	}
	if len(res.Mismatches) != 0 {
		t.Errorf("Mismatches = %+v, want none", res.Mismatches)
	}
	if res.Source.DatasetName != "OR_ABI_test" || res.Source.Band != 2 {
		t.Errorf("Source = %+v", res.Source)
	}
	if got := testutil.ToFloat64(metrics.Cells.WithLabelValues("apply", observability.OutcomeValid)); got != 3 {
		t.Errorf("apply valid cells = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.Cells.WithLabelValues("apply", observability.OutcomeMasked)); got != 1 {
		t.Errorf("apply masked cells = %v, want 1", got)
	}
}

func TestApply_WorkersDeterministic(t *testing.T) {
	p := goesEast()
	lon := []float64{-76, -75.5, -75, -74.5, -74}
	lat := []float64{1, 0.5, 0, -0.5, -1}
	z := mat.NewDense(5, 5, nil)
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			z.Set(i, j, float64(100*i+j+1))
		}
	}
	x, y := geometry.LonLatToScanGrid(lon, lat, z, p, 1)
	m := &orthomap.OrthoMap{Projection: p, Lon: lon, Lat: lat, Elevation: z, ScanX: x, ScanY: y}

	img := testImage()
	img.X = []float64{-0.03, -0.015, 0, 0.015, 0.03}
	img.Y = []float64{0.03, 0.015, 0, -0.015, -0.03}

	serial, err := Apply(context.Background(), img, m, Options{Workers: 1})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	parallel, err := Apply(context.Background(), img, m, Options{Workers: 4})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !mat.Equal(serial.Rad, parallel.Rad) {
		t.Error("results differ between 1 and 4 workers")
	}
	// The sub-satellite cell picks the centre sample.
	if got := serial.Rad.At(2, 2); got != 22 {
		t.Errorf("Rad(2,2) = %v, want 22", got)
	}
}

func TestApply_ReportsMismatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewCollector(reg)
	if err != nil {
		t.Fatal(err)
	}
	img := testImage()
	img.Projection.LonOrigin = -137

	res, err := Apply(context.Background(), img, testMap(), Options{Metrics: metrics})
	if err != nil {
		t.Fatalf("Apply should continue on mismatch, got %v", err)
	}
	if len(res.Mismatches) != 1 || res.Mismatches[0].Param != "longitude_of_projection_origin" {
		t.Errorf("Mismatches = %+v", res.Mismatches)
	}
	if res.Rad.At(0, 0) != 11 {
		t.Errorf("Rad(0,0) = %v, want 11", res.Rad.At(0, 0))
	}
	if got := testutil.ToFloat64(metrics.Mismatches.WithLabelValues("longitude_of_projection_origin")); got != 1 {
		t.Errorf("mismatch metric = %v, want 1", got)
	}
}

func TestApply_Errors(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	badShape := testImage()
	badShape.Rad = mat.NewDense(2, 2, nil)
	unsorted := testImage()
	unsorted.X = []float64{0, 0.01, 0.005, 0.02, 0.03}

	cases := []struct {
		name string
		ctx  context.Context
		img  *abi.Image
		m    *orthomap.OrthoMap
	}{
		{"nil_image", context.Background(), nil, testMap()},
		{"nil_map", context.Background(), testImage(), nil},
		{"shape", context.Background(), badShape, testMap()},
		{"unsorted_axis", context.Background(), unsorted, testMap()},
		{"canceled", canceled, testImage(), testMap()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Apply(tc.ctx, tc.img, tc.m, Options{}); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestResultDataset(t *testing.T) {
	img := testImage()
	img.Projection.SatHeight += 1000
	res, err := Apply(context.Background(), img, testMap(), Options{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	path := filepath.Join(t.TempDir(), "result.nc")
	if err := res.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	ds, err := ncstore.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	rad := ds.Var(VarRad)
	if rad == nil {
		t.Fatal("rad variable missing")
	}
	if !rad.Float32 {
		t.Error("rad should be stored as float32")
	}
	if len(rad.Dims) != 2 || rad.Dims[0] != orthomap.DimY || rad.Dims[1] != orthomap.DimX {
		t.Errorf("rad dims = %v, want [y x]", rad.Dims)
	}
	if rad.Data[0] != 11 || rad.Data[3] != 44 || !math.IsNaN(rad.Data[2]) {
		t.Errorf("rad = %v", rad.Data)
	}
	if units, _ := rad.Attrs.Text("units"); units != img.Units {
		t.Errorf("rad units = %q, want %q", units, img.Units)
	}
	if name, _ := rad.Attrs.Text("source_dataset_name"); name != "OR_ABI_test" {
		t.Errorf("source_dataset_name = %q", name)
	}
	if band, _ := rad.Attrs.Float("band_id"); band != 2 {
		t.Errorf("band_id = %v, want 2", band)
	}
	if mm, _ := ds.Attrs.Text("projection_mismatches"); mm != "satellite_height" {
		t.Errorf("projection_mismatches = %q, want satellite_height", mm)
	}
	for _, name := range []string{orthomap.VarLongitude, orthomap.VarLatitude, orthomap.VarElevation, orthomap.VarScanX, orthomap.VarScanY} {
		if ds.Var(name) == nil {
			t.Errorf("variable %s missing from result", name)
		}
	}
}
