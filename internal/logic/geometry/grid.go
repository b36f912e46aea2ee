package geometry

import (
	"sync"

	"gonum.org/v1/gonum/mat"
)

// LonLatToScanGrid runs the inverse transform over a regular lon/lat
// lattice. lon holds one value per column, lat one value per row and z
// the heights (rows x cols). Rows are split into bands processed by up to
// workers goroutines; workers <= 1 runs serially. The output does not
// depend on the worker count.
func LonLatToScanGrid(lon, lat []float64, z *mat.Dense, p Projection, workers int) (x, y *mat.Dense) {
	rows, cols := z.Dims()
	if rows != len(lat) || cols != len(lon) {
		panic("geometry: grid shape mismatch")
	}
	x = mat.NewDense(rows, cols, nil)
	y = mat.NewDense(rows, cols, nil)

	ForEachRowBand(rows, workers, func(r0, r1 int) {
		latRow := make([]float64, cols)
		for r := r0; r < r1; r++ {
			for c := range latRow {
				latRow[c] = lat[r]
			}
			LonLatToScanSlice(x.RawRowView(r), y.RawRowView(r), lon, latRow, z.RawRowView(r), p)
		}
	})
	return x, y
}

// ScanToLonLatGrid runs the forward transform over the scan-angle axes
// of an image: x holds one value per column, y one per row.
func ScanToLonLatGrid(x, y []float64, p Projection, workers int) (lon, lat *mat.Dense) {
	rows, cols := len(y), len(x)
	lon = mat.NewDense(rows, cols, nil)
	lat = mat.NewDense(rows, cols, nil)

	ForEachRowBand(rows, workers, func(r0, r1 int) {
		yRow := make([]float64, cols)
		for r := r0; r < r1; r++ {
			for c := range yRow {
				yRow[c] = y[r]
			}
			ScanToLonLatSlice(lon.RawRowView(r), lat.RawRowView(r), x, yRow, p)
		}
	})
	return lon, lat
}

// ForEachRowBand splits [0, rows) into contiguous bands and calls fn for
// each band, concurrently when workers > 1. It returns once every band is
// done.
func ForEachRowBand(rows, workers int, fn func(r0, r1 int)) {
	if workers > rows {
		workers = rows
	}
	if workers <= 1 {
		fn(0, rows)
		return
	}
	band := (rows + workers - 1) / workers

	var wg sync.WaitGroup
	for r0 := 0; r0 < rows; r0 += band {
		r1 := r0 + band
		if r1 > rows {
			r1 = rows
		}
		wg.Add(1)
		go func(r0, r1 int) {
			defer wg.Done()
			fn(r0, r1)
		}(r0, r1)
	}
	wg.Wait()
}
