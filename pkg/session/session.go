// Package session implements the viewer session controller. The controller owns the
// session state shown to the user, keeps it consistent with the engine and mediates
// every load, save and display change.
package session

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"freebrowse/internal/models"
	"freebrowse/pkg/config"
	"freebrowse/pkg/document"
	"freebrowse/pkg/drawing"
	"freebrowse/pkg/engine"
	"freebrowse/pkg/remote"
	"freebrowse/pkg/timeline"
)

var (
	// ErrUnknownImage is returned for an id or index that matches no loaded volume
	ErrUnknownImage = errors.New("unknown image")

	// ErrNoBackend is returned by operations that need a persistence backend
	ErrNoBackend = errors.New("no backend configured")

	// ErrDialogClosed is returned when a dialog handler runs with its dialog closed
	ErrDialogClosed = errors.New("dialog is not open")
)

const noSelection = -1

// Params configures a controller
type Params struct {
	Engine engine.Engine

	// Client is the persistence backend, nil when running without one
	Client *remote.Client

	// Downloads receives saves made in download mode
	Downloads document.Sink

	Config *config.Config
	Logger *log.Entry
}

// Controller is the viewer session controller. Its methods are safe for concurrent
// use; engine callbacks are serialised with them.
type Controller struct {
	mu sync.Mutex

	eng      engine.Engine
	adapter  *engine.Adapter
	codec    *document.Codec
	timeline *timeline.Timeline
	drawing  *drawing.Machine

	client    *remote.Client
	downloads document.Sink
	cfg       *config.Config
	log       *log.Entry

	images   []models.ImageSummary
	current  int
	viewer   models.ViewerOptions
	location *models.LocationReadout

	save         *models.SaveState
	removeTarget int
	removeOpen   bool
	skipConfirm  bool
	hiddenAlpha  map[string]float64
	serverless   bool
	logoutURL    *string
	configLoaded bool

	redraw *time.Timer
	settle *time.Timer
	closed bool
}

// New creates a controller over p.Engine and registers the engine callbacks
func New(p Params) *Controller {
	cfg := p.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := p.Logger
	if logger == nil {
		logger = log.WithField("prefix", "session")
	}
	downloads := p.Downloads
	if downloads == nil {
		downloads = document.DirSink{Dir: cfg.Client.DownloadDir}
	}

	c := &Controller{
		eng:          p.Engine,
		adapter:      engine.NewAdapter(p.Engine),
		codec:        document.NewCodec(p.Engine, nil, cfg.Session.LoadViaDocument),
		timeline:     timeline.New(p.Engine),
		drawing:      drawing.New(p.Engine, cfg.Defaults.Drawing),
		client:       p.Client,
		downloads:    downloads,
		cfg:          cfg,
		log:          logger,
		current:      noSelection,
		viewer:       cfg.Defaults.Viewer,
		removeTarget: noSelection,
		skipConfirm:  cfg.Session.SkipRemoveConfirmation,
		hiddenAlpha:  map[string]float64{},
	}

	p.Engine.SetCallbacks(engine.Callbacks{
		LocationChange: c.onLocationChange,
		OptsChange:     c.onOptsChange,
		DragRelease:    c.onDragRelease,
	})
	return c
}

// Snapshot returns a copy of the session state
func (c *Controller) Snapshot() models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := models.Session{
		Images:                 append([]models.ImageSummary{}, c.images...),
		Viewer:                 c.viewer,
		Drawing:                c.drawing.Options(),
		Timeline:               c.timeline.State(),
		RemoveDialogOpen:       c.removeOpen,
		SkipRemoveConfirmation: c.skipConfirm,
		Serverless:             c.serverless,
		ConfigLoaded:           c.configLoaded,
	}
	if c.current != noSelection {
		idx := c.current
		s.CurrentImageIndex = &idx
	}
	if c.removeTarget != noSelection {
		idx := c.removeTarget
		s.RemoveTarget = &idx
	}
	if c.location != nil {
		loc := *c.location
		loc.Voxels = append([]models.VoxelLocation{}, c.location.Voxels...)
		s.Location = &loc
	}
	if c.save != nil {
		st := *c.save
		st.Volumes = append([]models.SaveVolumeState{}, c.save.Volumes...)
		s.Save = &st
	}
	if c.logoutURL != nil {
		u := *c.logoutURL
		s.LogoutURL = &u
	}
	return s
}

// Close stops pending timers. Callbacks arriving afterwards are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.redraw != nil {
		c.redraw.Stop()
	}
	if c.settle != nil {
		c.settle.Stop()
	}
}

// rebuild re-derives the image projection, the timeline and the location readout
// from the engine. It runs after every structural change.
func (c *Controller) rebuild() {
	vols := c.eng.Volumes()
	images := make([]models.ImageSummary, len(vols))
	live := make(map[string]bool, len(vols))
	for i, v := range vols {
		images[i] = summarize(i, v)
		live[v.ID()] = true
	}
	c.images = images

	for id := range c.hiddenAlpha {
		if !live[id] {
			delete(c.hiddenAlpha, id)
		}
	}
	if c.current >= len(c.images) {
		c.current = len(c.images) - 1
	}

	c.timeline.Recompute()
	if pos, ok := c.eng.CrosshairPos(); ok && len(vols) > 0 {
		c.updateLocation(pos)
	} else {
		c.location = nil
	}
}

func summarize(i int, v engine.Volume) models.ImageSummary {
	return models.ImageSummary{
		ID:          v.ID(),
		Name:        volumeName(i, v.Name()),
		Visible:     v.Opacity() > 0,
		Colormap:    v.Colormap(),
		Opacity:     v.Opacity(),
		ContrastMin: v.CalMin(),
		ContrastMax: v.CalMax(),
	}
}

func volumeName(i int, name string) string {
	if name == "" {
		return fmt.Sprintf("Volume %d", i+1)
	}
	return name
}

// updateLocation samples every volume at mm
func (c *Controller) updateLocation(mm [3]float64) {
	vols := c.eng.Volumes()
	readout := &models.LocationReadout{MM: mm, Voxels: make([]models.VoxelLocation, 0, len(vols))}
	for i, v := range vols {
		frac := v.MMToVoxel(mm)
		vox := [3]int{int(math.Round(frac[0])), int(math.Round(frac[1])), int(math.Round(frac[2]))}
		readout.Voxels = append(readout.Voxels, models.VoxelLocation{
			Name:  volumeName(i, v.Name()),
			Voxel: vox,
			Value: v.Value(vox[0], vox[1], vox[2]),
		})
	}
	c.location = readout
}

// scheduleRedraw coalesces bursts of parameter changes into one engine redraw
func (c *Controller) scheduleRedraw() {
	if c.redraw != nil {
		c.redraw.Stop()
	}
	c.redraw = time.AfterFunc(c.cfg.Session.RedrawDebounce, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return
		}
		c.eng.UpdateGLVolume()
	})
}

// --- Engine callbacks ---

func (c *Controller) onLocationChange(mm [3]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.updateLocation(mm)
}

func (c *Controller) onOptsChange() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.drawing.SyncFromEngine() {
		c.log.WithFields(log.Fields{
			"threshold": c.drawing.Options().MagicWandThresholdPercent,
			"distance":  c.drawing.Options().MagicWandMaxDistanceMM,
		}).Debug("Magic wand parameters changed in the viewer")
	}
}

// onDragRelease re-reads the engine once the drag has settled, since contrast
// drags change cal_min and cal_max without a structural change
func (c *Controller) onDragRelease() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.settle != nil {
		c.settle.Stop()
	}
	c.settle = time.AfterFunc(c.cfg.Session.DragSettleDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return
		}
		c.rebuild()
	})
}
