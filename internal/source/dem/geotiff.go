package dem

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/google/tiff"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"golang.org/x/image/tiff/lzw"
	"gonum.org/v1/gonum/mat"
)

// Baseline TIFF tags.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
)

// GeoTIFF and GDAL tags.
const (
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
	tagGDALNoData          = 42113
)

// GeoKeys read from the key directory.
const (
	keyModelType       = 1024
	keyRasterType      = 1025
	keyGeographicType  = 2048
	keyProjectedCSType = 3072

	modelTypeProjected = 1
	rasterPixelIsPoint = 2
	userDefined        = 32767
)

const (
	compressionNone         = 1
	compressionLZW          = 5
	compressionDeflate      = 8
	compressionAdobeDeflate = 32946

	predictorNone       = 1
	predictorHorizontal = 2

	sampleUint  = 1
	sampleInt   = 2
	sampleFloat = 3
)

// GeoTIFF reads single-band GeoTIFF elevation rasters in geographic
// coordinates. Strips and tiles are supported, uncompressed or with LZW
// or Deflate compression and an optional horizontal predictor.
type GeoTIFF struct {
	CRS string
}

// Read parses the raster at path.
func (r *GeoTIFF) Read(path string) (*Grid, error) {
	rc, err := openMaybeCompressed(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "dem: read %s", path)
	}

	t, err := tiff.Parse(bytes.NewReader(raw), nil, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dem: %s: parse tiff", path)
	}
	ifds := t.IFDs()
	if len(ifds) == 0 {
		return nil, errors.Errorf("dem: %s: no image directory", path)
	}

	g, err := decodeGeoTIFF(ifds[0], raw)
	if err != nil {
		return nil, errors.Wrapf(err, "dem: %s", path)
	}
	g.Path = path
	if g.CRS == "" {
		g.CRS = r.CRS
	}
	return g, nil
}

// rasterLayout describes how samples are stored.
type rasterLayout struct {
	width, height int
	bits          int
	format        int
	compression   int
	predictor     int
	order         binary.ByteOrder

	// block geometry: strips are full-width tiles
	blockW, blockH int
	offsets        []uint64
	counts         []uint64
}

func decodeGeoTIFF(ifd tiff.IFD, raw []byte) (*Grid, error) {
	l, err := readLayout(ifd)
	if err != nil {
		return nil, err
	}

	keys, err := geoKeys(ifd)
	if err != nil {
		return nil, err
	}
	if keys[keyModelType] == modelTypeProjected {
		code := keys[keyProjectedCSType]
		return nil, errors.Errorf("projected CRS EPSG:%d is not supported; warp the DEM to geographic coordinates", code)
	}

	transform, err := modelTransform(ifd, keys[keyRasterType] == rasterPixelIsPoint)
	if err != nil {
		return nil, err
	}

	values, err := l.samples(raw)
	if err != nil {
		return nil, err
	}

	lon := make([]float64, l.width)
	for j := range lon {
		lon[j] = transform[0] + (float64(j)+0.5)*transform[1]
	}
	lat := make([]float64, l.height)
	for i := range lat {
		lat[i] = transform[3] + (float64(i)+0.5)*transform[5]
	}

	g := &Grid{
		Lon:       lon,
		Lat:       lat,
		Z:         mat.NewDense(l.height, l.width, values),
		Transform: transform,
		Res:       [2]float64{math.Abs(transform[1]), math.Abs(transform[5])},
	}
	if code := keys[keyGeographicType]; code != 0 && code != userDefined {
		g.CRS = fmt.Sprintf("EPSG:%d", code)
	}
	if f := getField(ifd, tagGDALNoData); f != nil {
		s := strings.TrimSpace(strings.TrimRight(string(fieldBytes(f)), "\x00"))
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errors.Errorf("GDAL_NODATA %q is not a number", s)
		}
		g.NoData = v
		g.HasNoData = true
	}
	return g, nil
}

func readLayout(ifd tiff.IFD) (*rasterLayout, error) {
	l := &rasterLayout{
		compression: compressionNone,
		predictor:   predictorNone,
		format:      sampleUint,
	}
	var ok bool
	if l.width, ok = firstUint(ifd, tagImageWidth); !ok {
		return nil, errors.New("missing ImageWidth")
	}
	if l.height, ok = firstUint(ifd, tagImageLength); !ok {
		return nil, errors.New("missing ImageLength")
	}
	if l.width < 1 || l.height < 1 {
		return nil, errors.Errorf("empty raster %dx%d", l.width, l.height)
	}
	if n, ok := firstUint(ifd, tagSamplesPerPixel); ok && n != 1 {
		return nil, errors.Errorf("%d samples per pixel, want a single band", n)
	}
	if pc, ok := firstUint(ifd, tagPlanarConfig); ok && pc != 1 {
		return nil, errors.Errorf("planar configuration %d is not supported", pc)
	}
	l.bits = 1
	if v, ok := firstUint(ifd, tagBitsPerSample); ok {
		l.bits = v
	}
	if v, ok := firstUint(ifd, tagSampleFormat); ok {
		l.format = v
	}
	if v, ok := firstUint(ifd, tagCompression); ok {
		l.compression = v
	}
	if v, ok := firstUint(ifd, tagPredictor); ok {
		l.predictor = v
	}

	switch {
	case l.format == sampleFloat && (l.bits == 32 || l.bits == 64):
	case (l.format == sampleUint || l.format == sampleInt) && (l.bits == 8 || l.bits == 16 || l.bits == 32):
	default:
		return nil, errors.Errorf("unsupported sample type: format %d, %d bits", l.format, l.bits)
	}
	switch l.compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionAdobeDeflate:
	default:
		return nil, errors.Errorf("unsupported compression %d", l.compression)
	}
	if l.predictor != predictorNone && (l.predictor != predictorHorizontal || l.format == sampleFloat) {
		return nil, errors.Errorf("unsupported predictor %d for sample format %d", l.predictor, l.format)
	}

	if ifd.HasField(tagTileOffsets) {
		if l.blockW, ok = firstUint(ifd, tagTileWidth); !ok {
			return nil, errors.New("missing TileWidth")
		}
		if l.blockH, ok = firstUint(ifd, tagTileLength); !ok {
			return nil, errors.New("missing TileLength")
		}
		l.offsets = fieldUints(getField(ifd, tagTileOffsets))
		l.counts = fieldUints(getField(ifd, tagTileByteCounts))
	} else {
		l.blockW = l.width
		l.blockH = l.height
		if v, ok := firstUint(ifd, tagRowsPerStrip); ok && v < l.height {
			l.blockH = v
		}
		l.offsets = fieldUints(getField(ifd, tagStripOffsets))
		l.counts = fieldUints(getField(ifd, tagStripByteCounts))
	}
	if l.blockW < 1 || l.blockH < 1 {
		return nil, errors.Errorf("invalid block size %dx%d", l.blockW, l.blockH)
	}
	across := (l.width + l.blockW - 1) / l.blockW
	down := (l.height + l.blockH - 1) / l.blockH
	if len(l.offsets) != across*down || len(l.counts) != len(l.offsets) {
		return nil, errors.Errorf("%d blocks with %d byte counts, want %d", len(l.offsets), len(l.counts), across*down)
	}

	if f := getField(ifd, tagImageWidth); f != nil {
		l.order = f.Value().Order()
	}
	if l.order == nil {
		l.order = binary.LittleEndian
	}
	return l, nil
}

// samples decodes every block into a row-major float64 raster.
func (l *rasterLayout) samples(raw []byte) ([]float64, error) {
	size := l.bits / 8
	rowBytes := l.width * size
	image := make([]byte, l.height*rowBytes)
	blockRow := l.blockW * size
	across := (l.width + l.blockW - 1) / l.blockW

	for b := range l.offsets {
		off, n := l.offsets[b], l.counts[b]
		if off > uint64(len(raw)) || n > uint64(len(raw))-off {
			return nil, errors.Errorf("block %d at %d+%d overruns the file", b, off, n)
		}
		block, err := l.inflate(raw[off:off+n], blockRow*l.blockH)
		if err != nil {
			return nil, errors.Wrapf(err, "block %d", b)
		}
		if l.predictor == predictorHorizontal {
			undoHorizontal(block, blockRow, size, l.order)
		}

		x0 := (b % across) * l.blockW
		y0 := (b / across) * l.blockH
		w := min(l.blockW, l.width-x0) * size
		for r := 0; r < l.blockH && y0+r < l.height; r++ {
			dst := (y0+r)*rowBytes + x0*size
			copy(image[dst:dst+w], block[r*blockRow:r*blockRow+w])
		}
	}

	out := make([]float64, l.width*l.height)
	for i := range out {
		out[i] = l.sample(image[i*size:])
	}
	return out, nil
}

// inflate decompresses one block, padding short strips with zeros.
func (l *rasterLayout) inflate(data []byte, want int) ([]byte, error) {
	var rd io.Reader
	switch l.compression {
	case compressionNone:
		rd = bytes.NewReader(data)
	case compressionLZW:
		lr := lzw.NewReader(bytes.NewReader(data), lzw.MSB, 8)
		defer lr.Close()
		rd = lr
	case compressionDeflate, compressionAdobeDeflate:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		rd = zr
	}
	out := make([]byte, want)
	n, err := io.ReadFull(rd, out)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	if n == 0 && want > 0 {
		return nil, errors.New("empty block")
	}
	return out, nil
}

func (l *rasterLayout) sample(b []byte) float64 {
	switch l.bits {
	case 8:
		if l.format == sampleInt {
			return float64(int8(b[0]))
		}
		return float64(b[0])
	case 16:
		v := l.order.Uint16(b)
		if l.format == sampleInt {
			return float64(int16(v))
		}
		return float64(v)
	case 32:
		v := l.order.Uint32(b)
		switch l.format {
		case sampleFloat:
			return float64(math.Float32frombits(v))
		case sampleInt:
			return float64(int32(v))
		}
		return float64(v)
	default:
		return math.Float64frombits(l.order.Uint64(b))
	}
}

// undoHorizontal reverses TIFF predictor 2: each sample was stored as the
// difference from its left neighbour, modulo the sample width.
func undoHorizontal(block []byte, rowBytes, size int, order binary.ByteOrder) {
	for r := 0; r+rowBytes <= len(block); r += rowBytes {
		row := block[r : r+rowBytes]
		for i := size; i+size <= len(row); i += size {
			switch size {
			case 1:
				row[i] += row[i-1]
			case 2:
				order.PutUint16(row[i:], order.Uint16(row[i:])+order.Uint16(row[i-2:]))
			case 4:
				order.PutUint32(row[i:], order.Uint32(row[i:])+order.Uint32(row[i-4:]))
			}
		}
	}
}

// geoKeys flattens the GeoKeyDirectory into keyID -> short value. Keys
// stored in other tags (doubles, ASCII) are not needed and are skipped.
func geoKeys(ifd tiff.IFD) (map[int]int, error) {
	keys := map[int]int{}
	f := getField(ifd, tagGeoKeyDirectory)
	if f == nil {
		return keys, nil
	}
	dir := fieldUints(f)
	if len(dir) < 4 {
		return nil, errors.New("truncated GeoKeyDirectory")
	}
	n := int(dir[3])
	if len(dir) < 4+4*n {
		return nil, errors.Errorf("GeoKeyDirectory declares %d keys but holds %d", n, (len(dir)-4)/4)
	}
	for k := 0; k < n; k++ {
		e := dir[4+4*k : 8+4*k]
		if e[1] == 0 {
			keys[int(e[0])] = int(e[3])
		}
	}
	return keys, nil
}

// modelTransform returns the GDAL-style geotransform from either the
// tiepoint and pixel scale tags or a rotation-free ModelTransformation.
func modelTransform(ifd tiff.IFD, pixelIsPoint bool) ([6]float64, error) {
	var t [6]float64
	scale := fieldFloats(getField(ifd, tagModelPixelScale))
	tie := fieldFloats(getField(ifd, tagModelTiepoint))
	switch {
	case len(scale) >= 2 && len(tie) >= 6:
		if scale[0] <= 0 || scale[1] <= 0 {
			return t, errors.Errorf("invalid pixel scale %v", scale[:2])
		}
		t = [6]float64{tie[3] - tie[0]*scale[0], scale[0], 0, tie[4] + tie[1]*scale[1], 0, -scale[1]}
	case ifd.HasField(tagModelTransformation):
		m := fieldFloats(getField(ifd, tagModelTransformation))
		if len(m) < 16 {
			return t, errors.New("truncated ModelTransformation")
		}
		if m[1] != 0 || m[4] != 0 {
			return t, errors.New("rotated rasters are not supported")
		}
		t = [6]float64{m[3], m[0], 0, m[7], 0, m[5]}
	default:
		return t, errors.New("no georeferencing (ModelPixelScale/ModelTiepoint or ModelTransformation)")
	}
	if pixelIsPoint {
		t[0] -= t[1] / 2
		t[3] -= t[5] / 2
	}
	return t, nil
}

// Field type IDs from the TIFF 6.0 specification.
const (
	typeByte   = 1
	typeASCII  = 2
	typeShort  = 3
	typeLong   = 4
	typeSByte  = 6
	typeUndef  = 7
	typeSShort = 8
	typeSLong  = 9
	typeFloat  = 11
	typeDouble = 12
	typeLong8  = 16
)

func fieldBytes(f tiff.Field) []byte {
	if f == nil || f.Value() == nil {
		return nil
	}
	return f.Value().Bytes()
}

func fieldSize(f tiff.Field) int {
	switch int(f.Type().ID()) {
	case typeByte, typeASCII, typeSByte, typeUndef:
		return 1
	case typeShort, typeSShort:
		return 2
	case typeLong, typeSLong, typeFloat:
		return 4
	case typeDouble, typeLong8:
		return 8
	}
	return 0
}

// fieldUints decodes an unsigned integer field of any width.
func fieldUints(f tiff.Field) []uint64 {
	if f == nil {
		return nil
	}
	b := fieldBytes(f)
	size := fieldSize(f)
	order := f.Value().Order()
	n := int(f.Count())
	if size == 0 || len(b) < n*size {
		return nil
	}
	out := make([]uint64, n)
	for i := range out {
		p := b[i*size:]
		switch size {
		case 1:
			out[i] = uint64(p[0])
		case 2:
			out[i] = uint64(order.Uint16(p))
		case 4:
			out[i] = uint64(order.Uint32(p))
		case 8:
			out[i] = order.Uint64(p)
		}
	}
	return out
}

// fieldFloats decodes a FLOAT or DOUBLE field.
func fieldFloats(f tiff.Field) []float64 {
	if f == nil {
		return nil
	}
	b := fieldBytes(f)
	order := f.Value().Order()
	n := int(f.Count())
	out := make([]float64, 0, n)
	switch int(f.Type().ID()) {
	case typeDouble:
		for i := 0; i < n && (i+1)*8 <= len(b); i++ {
			out = append(out, math.Float64frombits(order.Uint64(b[i*8:])))
		}
	case typeFloat:
		for i := 0; i < n && (i+1)*4 <= len(b); i++ {
			out = append(out, float64(math.Float32frombits(order.Uint32(b[i*4:]))))
		}
	}
	return out
}

// getField returns nil for absent tags.
func getField(ifd tiff.IFD, tag uint16) tiff.Field {
	if !ifd.HasField(tag) {
		return nil
	}
	return ifd.GetField(tag)
}

func firstUint(ifd tiff.IFD, tag uint16) (int, bool) {
	v := fieldUints(getField(ifd, tag))
	if len(v) == 0 {
		return 0, false
	}
	return int(v[0]), true
}
