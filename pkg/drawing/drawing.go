// Package drawing runs the annotation tool state machine: no tool, the pen, or
// the magic wand (click-to-segment region growing).
package drawing

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats/scalar"

	"freebrowse/internal/models"
	"freebrowse/pkg/engine"
)

// LayerColormap is the fixed colormap of a saved drawing layer
const LayerColormap = "red"

// AffineTolerance is the largest absolute difference allowed between two affine
// cells of volumes sharing a grid
const AffineTolerance = 1e-3

// ErrNoDrawing is returned by Save when there is no bitmap or no volume to draw over
var ErrNoDrawing = errors.New("no drawing to save")

// Mode is the active tool. Exactly one of None, Pen or Wand.
type Mode interface {
	Tag() models.DrawMode
	isMode()
}

// None means pointer input does not paint
type None struct{}

// Pen paints Label, or erases when Erases is set
type Pen struct {
	Label  int
	Fill   bool
	Erases bool
}

// Wand grows a region from the clicked voxel and paints it with Label
type Wand struct {
	Label            int
	TwoDOnly         bool
	MaxDistanceMM    float64
	ThresholdPercent float64
}

func (None) Tag() models.DrawMode { return models.DrawNone }
func (Pen) Tag() models.DrawMode  { return models.DrawPen }
func (Wand) Tag() models.DrawMode { return models.DrawWand }

func (None) isMode() {}
func (Pen) isMode()  {}
func (Wand) isMode() {}

// Machine keeps the pen and wand settings apart, so leaving a tool and coming back
// restores it as it was
type Machine struct {
	eng engine.Engine

	enabled  bool
	tag      models.DrawMode
	opacity  float64
	filename string

	penValue  int
	penFill   bool
	penErases bool

	wand2D        bool
	wandDistance  float64
	wandThreshold float64
}

// New creates a machine seeded from defaults, with no tool active
func New(eng engine.Engine, defaults models.DrawingOptions) *Machine {
	return &Machine{
		eng:           eng,
		enabled:       defaults.Enabled,
		tag:           models.DrawNone,
		opacity:       defaults.Opacity,
		filename:      defaults.Filename,
		penValue:      defaults.PenValue,
		penFill:       defaults.PenFill,
		penErases:     defaults.PenErases,
		wand2D:        defaults.MagicWand2DOnly,
		wandDistance:  defaults.MagicWandMaxDistanceMM,
		wandThreshold: defaults.MagicWandThresholdPercent,
	}
}

// Mode returns the active tool with its effective parameters
func (m *Machine) Mode() Mode {
	switch m.tag {
	case models.DrawPen:
		return Pen{Label: m.penLabel(), Fill: m.penFill, Erases: m.penErases}
	case models.DrawWand:
		return Wand{
			Label:            m.penValue,
			TwoDOnly:         m.wand2D,
			MaxDistanceMM:    m.wandDistance,
			ThresholdPercent: m.wandThreshold,
		}
	default:
		return None{}
	}
}

// Options flattens the machine state. PenErases reads false while the wand is active.
func (m *Machine) Options() models.DrawingOptions {
	return models.DrawingOptions{
		Enabled:                   m.enabled,
		Mode:                      m.tag,
		PenValue:                  m.penValue,
		PenFill:                   m.penFill,
		PenErases:                 m.penErases && m.tag != models.DrawWand,
		Opacity:                   m.opacity,
		MagicWand2DOnly:           m.wand2D,
		MagicWandMaxDistanceMM:    m.wandDistance,
		MagicWandThresholdPercent: m.wandThreshold,
		Filename:                  m.filename,
	}
}

func (m *Machine) penLabel() int {
	if m.penErases {
		return 0
	}
	return m.penValue
}

// SetMode switches tools. Anything but pen or wand selects none.
func (m *Machine) SetMode(mode models.DrawMode) {
	switch mode {
	case models.DrawPen, models.DrawWand:
		m.tag = mode
	default:
		m.tag = models.DrawNone
	}
	m.push()
}

// push applies the active tool to the engine
func (m *Machine) push() {
	opts := m.eng.Options()
	switch mode := m.Mode().(type) {
	case Pen:
		m.eng.SetPenValue(mode.Label, mode.Fill)
		m.eng.SetDrawingEnabled(true)
		opts.ClickToSegment = false
	case Wand:
		m.eng.SetDrawingEnabled(true)
		opts.ClickToSegment = true
		opts.ClickToSegmentIs2D = mode.TwoDOnly
		opts.ClickToSegmentAutoIntensity = true
		opts.ClickToSegmentMaxDistanceMM = mode.MaxDistanceMM
		opts.ClickToSegmentPercent = mode.ThresholdPercent
		m.eng.SetPenValue(mode.Label, false)
	default:
		m.eng.SetDrawingEnabled(false)
		opts.ClickToSegment = false
	}
}

// SetPenValue changes the label painted by the pen and the wand
func (m *Machine) SetPenValue(value int) {
	m.penValue = value
	switch m.tag {
	case models.DrawPen:
		if !m.penErases {
			m.eng.SetPenValue(value, m.penFill)
		}
	case models.DrawWand:
		m.eng.SetPenValue(value, false)
	}
}

// SetPenFill toggles filling of closed pen strokes
func (m *Machine) SetPenFill(fill bool) {
	m.penFill = fill
	m.eng.SetDrawFillOverwrites(fill)
	if m.tag == models.DrawPen {
		m.eng.SetPenValue(m.penLabel(), fill)
	}
}

// SetPenErases makes the pen paint label 0
func (m *Machine) SetPenErases(erases bool) {
	m.penErases = erases
	if m.tag == models.DrawPen {
		m.eng.SetPenValue(m.penLabel(), m.penFill)
	}
}

// SetOpacity changes the drawing layer opacity
func (m *Machine) SetOpacity(opacity float64) {
	m.opacity = opacity
	m.eng.SetDrawOpacity(opacity)
}

// SetFilename changes the name used when the layer is saved
func (m *Machine) SetFilename(filename string) {
	m.filename = filename
}

// SetWand2DOnly limits region growing to the clicked slice
func (m *Machine) SetWand2DOnly(only bool) {
	m.wand2D = only
	if m.tag == models.DrawWand {
		m.eng.Options().ClickToSegmentIs2D = only
	}
}

// SetWandMaxDistance bounds region growing in millimetres
func (m *Machine) SetWandMaxDistance(mm float64) {
	m.wandDistance = mm
	if m.tag == models.DrawWand {
		m.eng.Options().ClickToSegmentMaxDistanceMM = mm
	}
}

// SetWandThreshold sets the intensity tolerance as a fraction of the range
func (m *Machine) SetWandThreshold(percent float64) {
	m.wandThreshold = percent
	if m.tag == models.DrawWand {
		m.eng.Options().ClickToSegmentPercent = percent
	}
}

// SyncFromEngine pulls wand parameters changed inside the engine. It reports
// whether anything changed and never writes to the engine.
func (m *Machine) SyncFromEngine() bool {
	if m.tag != models.DrawWand {
		return false
	}
	opts := m.eng.Options()
	if opts.ClickToSegmentPercent == m.wandThreshold && opts.ClickToSegmentMaxDistanceMM == m.wandDistance {
		return false
	}
	m.wandThreshold = opts.ClickToSegmentPercent
	m.wandDistance = opts.ClickToSegmentMaxDistanceMM
	return true
}

// CreateLayer prepares a drawing layer with no tool active
func (m *Machine) CreateLayer() {
	m.eng.SetDrawingEnabled(false)
	m.eng.SetPenValue(m.penLabel(), m.penFill)
	m.eng.SetDrawOpacity(m.opacity)
	m.enabled = true
	m.tag = models.DrawNone
}

// Reset forgets the layer and the active tool after the engine dropped its
// drawing surface. Pen and wand settings are kept and nothing is pushed.
func (m *Machine) Reset() {
	m.enabled = false
	m.tag = models.DrawNone
}

// Undo reverts the last stroke
func (m *Machine) Undo() {
	m.eng.DrawUndo()
}

// Save turns the bitmap into a regular volume named after the layer filename,
// closes the drawing surface and returns the new volume
func (m *Machine) Save(ctx context.Context) (engine.Volume, error) {
	if !m.eng.HasDrawing() || len(m.eng.Volumes()) == 0 {
		return nil, ErrNoDrawing
	}

	data, err := m.eng.SaveDrawing(ctx)
	if err != nil {
		return nil, fmt.Errorf("save drawing: %w", err)
	}

	m.eng.SetDrawingEnabled(false)
	m.eng.SetPenValue(0, false)
	m.eng.Options().ClickToSegment = false
	m.eng.CloseDrawing()

	v, err := m.eng.DecodeVolume(ctx, data, engine.ImageOptions{
		Name:     m.filename,
		Colormap: LayerColormap,
		Opacity:  engine.Float(1),
	})
	if err != nil {
		return nil, fmt.Errorf("decode drawing: %w", err)
	}
	m.eng.AddVolume(v)

	m.enabled = false
	m.tag = models.DrawNone
	return v, nil
}

// CanEditVolume reports whether candidate shares the grid of background: both
// carry a header, dims are identical and affines agree within AffineTolerance
func CanEditVolume(candidate, background engine.Volume) bool {
	if candidate == nil || background == nil {
		return false
	}
	ch, bh := candidate.Header(), background.Header()
	if ch == nil || bh == nil {
		return false
	}
	if len(ch.Dims) == 0 || len(ch.Dims) != len(bh.Dims) {
		return false
	}
	for i := range ch.Dims {
		if ch.Dims[i] != bh.Dims[i] {
			return false
		}
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if !scalar.EqualWithinAbs(ch.Affine[i][j], bh.Affine[i][j], AffineTolerance) {
				return false
			}
		}
	}
	return true
}
