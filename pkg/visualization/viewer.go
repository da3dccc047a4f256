// Package visualization renders 2D slices of loaded volumes to images
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"freebrowse/internal/models"
	"freebrowse/pkg/engine"
)

// Viewer extracts slices of one volume, windowed by its display range
type Viewer struct {
	vol engine.Volume

	// extents of the volume
	width  int
	height int
	depth  int
}

// NewViewer creates a viewer over vol. The volume must carry a 3D header.
func NewViewer(vol engine.Volume) (*Viewer, error) {
	if vol == nil {
		return nil, fmt.Errorf("no volume")
	}
	hdr := vol.Header()
	if hdr == nil || len(hdr.Dims) < 4 {
		return nil, fmt.Errorf("volume %q has no 3D header", vol.Name())
	}
	return &Viewer{
		vol:    vol,
		width:  hdr.Dims[1],
		height: hdr.Dims[2],
		depth:  hdr.Dims[3],
	}, nil
}

// AxisFor returns the slicing axis shown by a single-plane view mode
func AxisFor(mode models.ViewMode) (string, bool) {
	switch mode {
	case models.ViewAxial:
		return "z", true
	case models.ViewCoronal:
		return "y", true
	case models.ViewSagittal:
		return "x", true
	}
	return "", false
}

// Extent returns the number of slices along axis
func (v *Viewer) Extent(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.width, nil
	case "y", "Y":
		return v.height, nil
	case "z", "Z":
		return v.depth, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// gray maps a voxel value through the [cal_min, cal_max] window
func (v *Viewer) gray(value float64) color.Gray16 {
	lo, hi := v.vol.CalMin(), v.vol.CalMax()
	if hi <= lo {
		return color.Gray16{}
	}
	t := (value - lo) / (hi - lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, t*65535)))}
}

// ExtractSlice extracts a 2D slice at position along axis, at the current frame
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	extent, err := v.Extent(axis)
	if err != nil {
		return nil, err
	}
	if position >= extent {
		return nil, fmt.Errorf("position %d exceeds %s extent %d", position, axis, extent)
	}

	var img *image.Gray16
	switch axis {
	case "x", "X":
		// YZ plane
		img = image.NewGray16(image.Rect(0, 0, v.depth, v.height))
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				img.SetGray16(z, v.height-1-y, v.gray(v.vol.Value(position, y, z)))
			}
		}
	case "y", "Y":
		// XZ plane
		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, v.depth-1-z, v.gray(v.vol.Value(x, position, z)))
			}
		}
	default:
		// XY plane
		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, v.height-1-y, v.gray(v.vol.Value(x, y, position)))
			}
		}
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) (int, error) {
	extent, err := v.Extent(axis)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	for pos := 0; pos < extent; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return pos, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return pos, err
		}
	}

	return extent, nil
}
