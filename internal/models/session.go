package models

// ViewMode selects the slice layout shown by the viewer
type ViewMode string

const (
	ViewAxial    ViewMode = "axial"
	ViewCoronal  ViewMode = "coronal"
	ViewSagittal ViewMode = "sagittal"
	ViewACS      ViewMode = "ACS"
	ViewACSR     ViewMode = "ACSR"
	ViewRender   ViewMode = "render"
)

// ViewModes lists every view mode in selector order
var ViewModes = []ViewMode{ViewAxial, ViewCoronal, ViewSagittal, ViewACS, ViewACSR, ViewRender}

// DragMode names the interaction performed by a pointer drag
type DragMode string

const (
	DragNone         DragMode = "none"
	DragContrast     DragMode = "contrast"
	DragMeasurement  DragMode = "measurement"
	DragPan          DragMode = "pan"
	DragSlicer3D     DragMode = "slicer3D"
	DragCallbackOnly DragMode = "callbackOnly"
	DragROISelection DragMode = "roiSelection"
	DragAngle        DragMode = "angle"
	DragCrosshair    DragMode = "crosshair"
	DragWindowing    DragMode = "windowing"
)

// ImageSummary is the session's view of one loaded volume.
// It is a projection of engine state and is rebuilt after every structural change.
type ImageSummary struct {
	// ID is assigned by the engine and is stable across removals
	ID string `json:"id"`

	// Name is the volume name, or "Volume N" when the engine has none
	Name string `json:"name"`

	// Visible is derived from Opacity > 0
	Visible bool `json:"visible"`

	Colormap    string  `json:"colormap"`
	Opacity     float64 `json:"opacity"`
	ContrastMin float64 `json:"contrastMin"`
	ContrastMax float64 `json:"contrastMax"`
}

// ViewerOptions holds the scene-wide display settings
type ViewerOptions struct {
	ViewMode            ViewMode   `json:"viewMode" yaml:"viewMode"`
	CrosshairWidth      float64    `json:"crosshairWidth" yaml:"crosshairWidth"`
	CrosshairVisible    bool       `json:"crosshairVisible" yaml:"crosshairVisible"`
	CrosshairColor      [4]float64 `json:"crosshairColor" yaml:"crosshairColor"`
	InterpolateVoxels   bool       `json:"interpolateVoxels" yaml:"interpolateVoxels"`
	DragMode            DragMode   `json:"dragMode" yaml:"dragMode"`
	OverlayOutlineWidth float64    `json:"overlayOutlineWidth" yaml:"overlayOutlineWidth"`
}

// DrawMode is the active annotation tool
type DrawMode string

const (
	DrawNone DrawMode = "none"
	DrawPen  DrawMode = "pen"
	DrawWand DrawMode = "wand"
)

// DrawingOptions is the flattened view of the annotation layer configuration
type DrawingOptions struct {
	Enabled                   bool     `json:"enabled" yaml:"enabled"`
	Mode                      DrawMode `json:"mode" yaml:"mode"`
	PenValue                  int      `json:"penValue" yaml:"penValue"`
	PenFill                   bool     `json:"penFill" yaml:"penFill"`
	PenErases                 bool     `json:"penErases" yaml:"penErases"`
	Opacity                   float64  `json:"opacity" yaml:"opacity"`
	MagicWand2DOnly           bool     `json:"magicWand2dOnly" yaml:"magicWand2dOnly"`
	MagicWandMaxDistanceMM    float64  `json:"magicWandMaxDistanceMM" yaml:"magicWandMaxDistanceMM"`
	MagicWandThresholdPercent float64  `json:"magicWandThresholdPercent" yaml:"magicWandThresholdPercent"`
	Filename                  string   `json:"filename" yaml:"filename"`
}

// FrameTimeline is the 4D playback position shared by all volumes
type FrameTimeline struct {
	TotalFrames  int `json:"totalFrames"`
	CurrentFrame int `json:"currentFrame"`
}

// SaveDocumentState is the document half of the save dialog
type SaveDocumentState struct {
	Enabled  bool   `json:"enabled"`
	Location string `json:"location"`
}

// SaveVolumeState is one row of the save dialog, index-aligned with the
// engine volume list at the time the dialog was opened
type SaveVolumeState struct {
	Enabled    bool   `json:"enabled"`
	IsExternal bool   `json:"isExternal"`
	URL        string `json:"url"`
}

// SaveState exists only while the save dialog is open
type SaveState struct {
	IsDownloadMode bool              `json:"isDownloadMode"`
	Document       SaveDocumentState `json:"document"`
	Volumes        []SaveVolumeState `json:"volumes"`
}

// AnyEnabled reports whether confirming the dialog would write anything
func (s SaveState) AnyEnabled() bool {
	if s.Document.Enabled {
		return true
	}
	for _, v := range s.Volumes {
		if v.Enabled {
			return true
		}
	}
	return false
}

// VoxelLocation is the value of one volume under the crosshair
type VoxelLocation struct {
	Name  string  `json:"name"`
	Voxel [3]int  `json:"voxel"`
	Value float64 `json:"value"`
}

// LocationReadout is recomputed on every engine location change
type LocationReadout struct {
	MM     [3]float64      `json:"mm"`
	Voxels []VoxelLocation `json:"voxels"`
}

// FileItem is a selectable file returned by a listing endpoint
type FileItem struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// DirectoryItem is a navigable directory returned by a listing endpoint
type DirectoryItem struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// DirectoryListing is the response of a listing endpoint
type DirectoryListing struct {
	CurrentPath string          `json:"currentPath"`
	Directories []DirectoryItem `json:"directories"`
	Files       []FileItem      `json:"files"`
}

// ServerConfig is the response of the config endpoint
type ServerConfig struct {
	Serverless bool    `json:"serverless"`
	LogoutURL  *string `json:"logout_url"`
}

// Session is a point-in-time copy of the state owned by the session controller.
// CurrentImageIndex, when set, indexes Images.
type Session struct {
	Images            []ImageSummary   `json:"images"`
	CurrentImageIndex *int             `json:"currentImageIndex"`
	Viewer            ViewerOptions    `json:"viewerOptions"`
	Drawing           DrawingOptions   `json:"drawingOptions"`
	Timeline          FrameTimeline    `json:"timeline"`
	Location          *LocationReadout `json:"location"`

	// Save is set while the save dialog is open
	Save *SaveState `json:"save"`

	RemoveDialogOpen       bool `json:"removeDialogOpen"`
	RemoveTarget           *int `json:"removeTarget"`
	SkipRemoveConfirmation bool `json:"skipRemoveConfirmation"`

	Serverless   bool    `json:"serverless"`
	LogoutURL    *string `json:"logoutUrl"`
	ConfigLoaded bool    `json:"configLoaded"`
}
