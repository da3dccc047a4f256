package headless

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"freebrowse/pkg/engine"
)

// Volume is an in-memory scalar volume with an optional frame axis.
// Voxels are stored x fastest, then y, z and frame.
type Volume struct {
	id       string
	name     string
	url      string
	colormap string
	opacity  float64
	calMin   float64
	calMax   float64

	header *engine.Header
	inv    *mat.Dense

	nx, ny, nz int
	frames     int
	frame      int
	data       []float64
}

// NewVolume creates a volume of nx*ny*nz voxels and the given number of frames.
// A zero affine is replaced by the identity.
func NewVolume(name string, dims [3]int, frames int, affine [4][4]float64, data []float64) (*Volume, error) {
	if dims[0] <= 0 || dims[1] <= 0 || dims[2] <= 0 {
		return nil, fmt.Errorf("invalid dimensions %v", dims)
	}
	if frames <= 0 {
		frames = 1
	}
	if len(data) != dims[0]*dims[1]*dims[2]*frames {
		return nil, fmt.Errorf("expected %d voxels, got %d", dims[0]*dims[1]*dims[2]*frames, len(data))
	}
	if affine == ([4][4]float64{}) {
		affine = identity()
	}

	hdrDims := []int{3, dims[0], dims[1], dims[2]}
	if frames > 1 {
		hdrDims = []int{4, dims[0], dims[1], dims[2], frames}
	}

	v := &Volume{
		id:       uuid.NewString(),
		name:     name,
		colormap: "gray",
		opacity:  1,
		header:   &engine.Header{Dims: hdrDims, Affine: affine},
		nx:       dims[0],
		ny:       dims[1],
		nz:       dims[2],
		frames:   frames,
		data:     data,
	}

	a := mat.NewDense(4, 4, flatten(affine))
	var inv mat.Dense
	if err := inv.Inverse(a); err == nil {
		v.inv = &inv
	}

	v.calMin, v.calMax = robustRange(v.frameData(0))
	return v, nil
}

func identity() [4][4]float64 {
	return [4][4]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
}

func flatten(m [4][4]float64) []float64 {
	out := make([]float64, 0, 16)
	for _, row := range m {
		out = append(out, row[:]...)
	}
	return out
}

// robustRange returns the 2nd and 98th percentile, falling back to the full range
// for flat or tiny images
func robustRange(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	lo := stat.Quantile(0.02, stat.Empirical, sorted, nil)
	hi := stat.Quantile(0.98, stat.Empirical, sorted, nil)
	if hi <= lo {
		lo, hi = floats.Min(sorted), floats.Max(sorted)
	}
	return lo, hi
}

func (v *Volume) frameData(frame int) []float64 {
	n := v.nx * v.ny * v.nz
	return v.data[frame*n : (frame+1)*n]
}

func (v *Volume) ID() string              { return v.id }
func (v *Volume) Name() string            { return v.name }
func (v *Volume) URL() string             { return v.url }
func (v *Volume) SetURL(url string)       { v.url = url }
func (v *Volume) Opacity() float64        { return v.opacity }
func (v *Volume) Colormap() string        { return v.colormap }
func (v *Volume) SetColormap(name string) { v.colormap = name }
func (v *Volume) CalMin() float64         { return v.calMin }
func (v *Volume) CalMax() float64         { return v.calMax }
func (v *Volume) SetCalMin(c float64)     { v.calMin = c }
func (v *Volume) SetCalMax(c float64)     { v.calMax = c }
func (v *Volume) Header() *engine.Header  { return v.header }
func (v *Volume) FrameCount() int         { return v.frames }

// SetName renames the volume
func (v *Volume) SetName(name string) { v.name = name }

// SetOpacity changes the opacity directly, bypassing the engine index lookup
func (v *Volume) SetOpacity(o float64) { v.opacity = o }

// Frame is the frame currently sampled by Value
func (v *Volume) Frame() int { return v.frame }

// Dims returns the spatial extents
func (v *Volume) Dims() [3]int { return [3]int{v.nx, v.ny, v.nz} }

// MMToVoxel maps world millimetres to fractional voxel indices
func (v *Volume) MMToVoxel(mm [3]float64) [3]float64 {
	if v.inv == nil {
		return [3]float64{math.NaN(), math.NaN(), math.NaN()}
	}
	var out mat.VecDense
	out.MulVec(v.inv, mat.NewVecDense(4, []float64{mm[0], mm[1], mm[2], 1}))
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}

// Value samples the current frame, returning 0 outside the volume
func (v *Volume) Value(i, j, k int) float64 {
	if i < 0 || j < 0 || k < 0 || i >= v.nx || j >= v.ny || k >= v.nz {
		return 0
	}
	return v.frameData(v.frame)[k*v.nx*v.ny+j*v.nx+i]
}

func (v *Volume) set(i, j, k int, value float64) bool {
	if i < 0 || j < 0 || k < 0 || i >= v.nx || j >= v.ny || k >= v.nz {
		return false
	}
	v.frameData(v.frame)[k*v.nx*v.ny+j*v.nx+i] = value
	return true
}

func (v *Volume) sameGrid(o *Volume) bool {
	return v.nx == o.nx && v.ny == o.ny && v.nz == o.nz
}

// record is the payload container written by Encode. It is only understood by the
// headless engine.
type record struct {
	Name   string        `json:"name"`
	Dims   [3]int        `json:"dims"`
	Frames int           `json:"frames"`
	Affine [4][4]float64 `json:"affine"`
	CalMin float64       `json:"cal_min"`
	CalMax float64       `json:"cal_max"`
	Data   []float64     `json:"data"`
}

// Encode serializes the volume, gzip-compressed when filename ends in .gz
func (v *Volume) Encode(filename string) ([]byte, error) {
	rec := record{
		Name:   v.name,
		Dims:   v.Dims(),
		Frames: v.frames,
		Affine: v.header.Affine,
		CalMin: v.calMin,
		CalMax: v.calMax,
		Data:   v.data,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode volume %s: %w", v.name, err)
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".gz") {
		return raw, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress volume %s: %w", v.name, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress volume %s: %w", v.name, err)
	}
	return buf.Bytes(), nil
}

// Decode reads a payload produced by Encode, compressed or not
func Decode(data []byte) (*Volume, error) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompress volume: %w", err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("decompress volume: %w", err)
		}
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode volume: %w", err)
	}
	v, err := NewVolume(rec.Name, rec.Dims, rec.Frames, rec.Affine, rec.Data)
	if err != nil {
		return nil, fmt.Errorf("decode volume: %w", err)
	}
	if rec.CalMax > rec.CalMin {
		v.calMin, v.calMax = rec.CalMin, rec.CalMax
	}
	return v, nil
}

// applyOptions copies the display fields of a document entry onto v
func (v *Volume) applyOptions(opts engine.ImageOptions) {
	if opts.Name != "" {
		v.name = opts.Name
	}
	if opts.URL != "" {
		v.url = opts.URL
	}
	if opts.Colormap != "" {
		v.colormap = opts.Colormap
	}
	if opts.Opacity != nil {
		v.opacity = *opts.Opacity
	}
	if opts.CalMin != nil {
		v.calMin = *opts.CalMin
	}
	if opts.CalMax != nil {
		v.calMax = *opts.CalMax
	}
	if opts.Frame4D > 0 && opts.Frame4D < v.frames {
		v.frame = opts.Frame4D
	}
}
