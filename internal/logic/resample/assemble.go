package resample

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/cjeanneret/OrthoGo/internal/logic/orthomap"
	"github.com/cjeanneret/OrthoGo/internal/store/ncstore"
)

// VarRad is the radiance variable added to the ortho map.
const VarRad = "rad"

// Dataset packages the result: the ortho map's coordinates, elevation,
// scan angles and attributes plus the rad field. Values are copied as is.
func (r *Result) Dataset() (*ncstore.Dataset, error) {
	ds, err := r.Map.Dataset()
	if err != nil {
		return nil, err
	}

	rad := &ncstore.Variable{
		Name:    VarRad,
		Dims:    []string{orthomap.DimY, orthomap.DimX},
		Data:    mat.DenseCopyOf(r.Rad).RawMatrix().Data,
		Float32: true,
	}
	if r.Source.Units != "" {
		rad.Attrs.Set("units", r.Source.Units)
	}
	rad.Attrs.Set("info", "ABI radiance of the nearest fixed-grid pixel")
	if r.Source.DatasetName != "" {
		rad.Attrs.Set("source_dataset_name", r.Source.DatasetName)
	}
	rad.Attrs.Set("band_id", r.Source.Band)
	if err := ds.AddVar(rad); err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}

	if len(r.Mismatches) > 0 {
		names := make([]string, len(r.Mismatches))
		for i, m := range r.Mismatches {
			names[i] = m.Param
		}
		ds.Attrs.Set("projection_mismatches", strings.Join(names, " "))
	}
	return ds, nil
}

// Save writes the result to a NetCDF classic file.
func (r *Result) Save(path string) error {
	ds, err := r.Dataset()
	if err != nil {
		return err
	}
	if err := ncstore.Write(path, ds); err != nil {
		return fmt.Errorf("resample: save: %w", err)
	}
	return nil
}
