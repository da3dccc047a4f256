// Package engine defines the contract of the Viewer Engine, the renderer that owns
// volume storage, voxel sampling and drawing, together with the adapter the session
// controller uses to translate its own settings into engine state and back.
package engine

import (
	"context"
)

// SliceType is the engine-native slice layout code
type SliceType int

const (
	SliceAxial SliceType = iota
	SliceCoronal
	SliceSagittal
	SliceMultiplanar
	SliceRender
)

// ShowRender controls whether the multiplanar layout includes a 3D render tile
type ShowRender int

const (
	ShowRenderNever ShowRender = iota
	ShowRenderAlways
	ShowRenderAuto
)

// DragMode is the engine-native drag interaction code
type DragMode int

const (
	DragNone DragMode = iota
	DragContrast
	DragMeasurement
	DragPan
	DragSlicer3D
	DragCallbackOnly
	DragROISelection
	DragAngle
	DragCrosshair
	DragWindowing
)

// Options is the engine option bag. It is also the "opts" object of a document.
type Options struct {
	SliceType                   SliceType  `json:"sliceType"`
	MultiplanarShowRender       ShowRender `json:"multiplanarShowRender"`
	CrosshairWidth              float64    `json:"crosshairWidth"`
	CrosshairColor              [4]float64 `json:"crosshairColor"`
	IsNearestInterpolation      bool       `json:"isNearestInterpolation"`
	DragMode                    DragMode   `json:"dragMode"`
	ClickToSegment              bool       `json:"clickToSegment"`
	ClickToSegmentIs2D          bool       `json:"clickToSegmentIs2D"`
	ClickToSegmentAutoIntensity bool       `json:"clickToSegmentAutoIntensity"`
	ClickToSegmentMaxDistanceMM float64    `json:"clickToSegmentMaxDistanceMM"`
	ClickToSegmentPercent       float64    `json:"clickToSegmentPercent"`
}

// DefaultOptions returns the option bag of a freshly constructed engine
func DefaultOptions() Options {
	return Options{
		SliceType:                   SliceMultiplanar,
		MultiplanarShowRender:       ShowRenderNever,
		CrosshairWidth:              1,
		CrosshairColor:              [4]float64{1, 0, 0, 0.5},
		IsNearestInterpolation:      true,
		DragMode:                    DragContrast,
		ClickToSegmentAutoIntensity: true,
		ClickToSegmentMaxDistanceMM: 15,
		ClickToSegmentPercent:       0.05,
	}
}

// Header is the geometry carried by a volume
type Header struct {
	// Dims follows the NIfTI convention: Dims[0] is the rank, Dims[1:] the extents
	Dims []int

	// Affine maps voxel indices to millimetres, row major
	Affine [4][4]float64
}

// Volume is one image loaded into the engine
type Volume interface {
	ID() string
	Name() string
	URL() string
	SetURL(url string)
	Opacity() float64
	Colormap() string
	SetColormap(name string)
	CalMin() float64
	CalMax() float64
	SetCalMin(v float64)
	SetCalMax(v float64)

	// Header returns nil when the volume carries no geometry
	Header() *Header

	// FrameCount is the explicit 4th dimension extent, 0 when unknown
	FrameCount() int

	// MMToVoxel maps a world position to fractional voxel coordinates
	MMToVoxel(mm [3]float64) [3]float64

	// Value samples the volume at the current frame
	Value(i, j, k int) float64
}

// Callbacks are invoked by the engine on engine-internal events. The engine never
// invokes them from inside a call made by the session controller.
type Callbacks struct {
	LocationChange func(mm [3]float64)
	OptsChange     func()
	DragRelease    func()
}

// Engine is the Viewer Engine as consumed by the session controller
type Engine interface {
	// Ready reports whether the engine is attached to a rendering surface
	Ready() bool

	Volumes() []Volume
	VolumeIndexByID(id string) int

	// Background is the primary volume, nil when nothing is loaded
	Background() Volume

	Options() *Options
	SetDefaults(opts *Options)
	SetOpacity(index int, opacity float64)
	SetCrosshairColor(color [4]float64)
	SetInterpolation(nearest bool)
	SetSliceType(t SliceType)
	OverlayOutlineWidth() float64
	SetOverlayOutlineWidth(width float64)
	UpdateGLVolume()

	SetFrame4D(id string, frame int)
	SceneFrame() (int, bool)
	SetSceneFrame(frame int)
	CrosshairPos() ([3]float64, bool)

	AddVolume(v Volume)
	RemoveVolumeByIndex(index int)
	LoadVolumeFromURL(ctx context.Context, url, name string) (Volume, error)
	DecodeVolume(ctx context.Context, data []byte, opts ImageOptions) (Volume, error)
	LoadVolumes(ctx context.Context, opts []ImageOptions) error
	EncodeVolume(ctx context.Context, index int, filename string) ([]byte, error)

	MeshCount() int
	RemoveMesh(index int)
	LoadMeshes(ctx context.Context, opts []MeshOptions) error

	SetDrawingEnabled(enabled bool)
	SetPenValue(value int, fill bool)
	SetDrawOpacity(opacity float64)
	SetDrawFillOverwrites(overwrite bool)
	DrawUndo()
	HasDrawing() bool
	SaveDrawing(ctx context.Context) ([]byte, error)
	LoadDrawing(v Volume) bool
	CloseDrawing()

	// JSON returns the engine's native document representation
	JSON() ([]byte, error)
	LoadDocument(ctx context.Context, doc *Document) error

	SetCallbacks(cb Callbacks)
}
