package engine

import (
	"freebrowse/internal/models"
)

// SliceConfig is the engine slice layout that realises a view mode
type SliceConfig struct {
	SliceType  SliceType
	ShowRender ShowRender
}

var sliceConfigs = map[models.ViewMode]SliceConfig{
	models.ViewAxial:    {SliceAxial, ShowRenderNever},
	models.ViewCoronal:  {SliceCoronal, ShowRenderNever},
	models.ViewSagittal: {SliceSagittal, ShowRenderNever},
	models.ViewACS:      {SliceMultiplanar, ShowRenderNever},
	models.ViewACSR:     {SliceMultiplanar, ShowRenderAlways},
	models.ViewRender:   {SliceRender, ShowRenderAlways},
}

var dragModes = []models.DragMode{
	models.DragNone,
	models.DragContrast,
	models.DragMeasurement,
	models.DragPan,
	models.DragSlicer3D,
	models.DragCallbackOnly,
	models.DragROISelection,
	models.DragAngle,
	models.DragCrosshair,
	models.DragWindowing,
}

// SliceConfigFor returns the slice layout for a view mode
func SliceConfigFor(mode models.ViewMode) (SliceConfig, bool) {
	cfg, ok := sliceConfigs[mode]
	return cfg, ok
}

// ViewModeFor inverts SliceConfigFor. The multiplanar layout is ACSR when the
// render tile is always shown and ACS otherwise; unknown slice types map to ACS.
func ViewModeFor(t SliceType, show ShowRender) models.ViewMode {
	if t == SliceMultiplanar {
		if show == ShowRenderAlways {
			return models.ViewACSR
		}
		return models.ViewACS
	}
	for _, mode := range models.ViewModes {
		if sliceConfigs[mode].SliceType == t {
			return mode
		}
	}
	return models.ViewACS
}

// DragModeCode returns the engine code of a drag mode name
func DragModeCode(name models.DragMode) (DragMode, bool) {
	for code, n := range dragModes {
		if n == name {
			return DragMode(code), true
		}
	}
	return DragNone, false
}

// DragModeName returns the name of an engine drag code, contrast when unknown
func DragModeName(code DragMode) models.DragMode {
	if code < 0 || int(code) >= len(dragModes) {
		return models.DragContrast
	}
	return dragModes[code]
}

// DragModeNames lists every drag mode name in engine code order
func DragModeNames() []models.DragMode {
	names := make([]models.DragMode, len(dragModes))
	copy(names, dragModes)
	return names
}

// Adapter pushes session viewer options into an engine and derives them back.
// Derive never calls Apply, so the pair cannot feed back into itself.
type Adapter struct {
	eng Engine
}

// NewAdapter creates an adapter over eng
func NewAdapter(eng Engine) *Adapter {
	return &Adapter{eng: eng}
}

// ApplyViewerOptions pushes every field of o into the engine. The engine schedules
// its own redraw.
func (a *Adapter) ApplyViewerOptions(o models.ViewerOptions) {
	opts := a.eng.Options()
	if o.CrosshairVisible {
		opts.CrosshairWidth = o.CrosshairWidth
	} else {
		opts.CrosshairWidth = 0
	}
	a.eng.SetCrosshairColor(o.CrosshairColor)
	a.eng.SetInterpolation(!o.InterpolateVoxels)
	if code, ok := DragModeCode(o.DragMode); ok {
		opts.DragMode = code
	}
	a.eng.SetOverlayOutlineWidth(o.OverlayOutlineWidth)

	if cfg, ok := SliceConfigFor(o.ViewMode); ok {
		opts.MultiplanarShowRender = cfg.ShowRender
		a.eng.SetSliceType(cfg.SliceType)
	} else {
		a.eng.SetSliceType(SliceAxial)
	}
}

// DeriveViewerOptions reads the engine option bag back into session form
func (a *Adapter) DeriveViewerOptions() models.ViewerOptions {
	opts := a.eng.Options()
	return models.ViewerOptions{
		ViewMode:            ViewModeFor(opts.SliceType, opts.MultiplanarShowRender),
		CrosshairWidth:      opts.CrosshairWidth,
		CrosshairVisible:    opts.CrosshairWidth > 0,
		CrosshairColor:      opts.CrosshairColor,
		InterpolateVoxels:   !opts.IsNearestInterpolation,
		DragMode:            DragModeName(opts.DragMode),
		OverlayOutlineWidth: a.eng.OverlayOutlineWidth(),
	}
}
