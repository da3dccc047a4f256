// Package headless is an in-memory Viewer Engine. It keeps volumes, options, the
// drawing bitmap and the scene position without a rendering surface, which makes it
// suitable for command line tools and tests.
package headless

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"freebrowse/pkg/engine"
)

// ErrNotHeadless is returned when an operation needs a volume created by this package
var ErrNotHeadless = errors.New("volume was not created by the headless engine")

// Engine implements engine.Engine in memory
type Engine struct {
	ready  atomic.Bool
	client *http.Client

	volumes  []engine.Volume
	meshes   []engine.MeshOptions
	opts     engine.Options
	outline  float64
	frame    int
	hasFrame bool

	crosshair    [3]float64
	hasCrosshair bool

	drawing        *Volume
	drawingEnabled bool
	penValue       int
	penFill        bool
	drawOpacity    float64
	fillOverwrites bool
	undo           [][]float64

	cb engine.Callbacks

	frameUpdates atomic.Int64
	redraws      atomic.Int64
}

// New creates an engine that is not yet attached. URL loads use client, or
// http.DefaultClient when client is nil.
func New(client *http.Client) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	return &Engine{
		client:      client,
		opts:        engine.DefaultOptions(),
		drawOpacity: 1,
	}
}

// Attach marks the engine as attached to a rendering surface
func (e *Engine) Attach() { e.ready.Store(true) }

// AttachAfter attaches the engine once d has elapsed
func (e *Engine) AttachAfter(d time.Duration) {
	time.AfterFunc(d, e.Attach)
}

// FrameUpdates counts SetFrame4D calls
func (e *Engine) FrameUpdates() int { return int(e.frameUpdates.Load()) }

// Redraws counts UpdateGLVolume calls
func (e *Engine) Redraws() int { return int(e.redraws.Load()) }

func (e *Engine) Ready() bool { return e.ready.Load() }

func (e *Engine) Volumes() []engine.Volume {
	out := make([]engine.Volume, len(e.volumes))
	copy(out, e.volumes)
	return out
}

func (e *Engine) VolumeIndexByID(id string) int {
	for i, v := range e.volumes {
		if v.ID() == id {
			return i
		}
	}
	return -1
}

func (e *Engine) Background() engine.Volume {
	if len(e.volumes) == 0 {
		return nil
	}
	return e.volumes[0]
}

func (e *Engine) Options() *engine.Options { return &e.opts }

// SetDefaults resets the option bag, then copies opts over it when given
func (e *Engine) SetDefaults(opts *engine.Options) {
	if opts == nil {
		e.opts = engine.DefaultOptions()
		return
	}
	e.opts = *opts
}

func (e *Engine) SetOpacity(index int, opacity float64) {
	if index < 0 || index >= len(e.volumes) {
		return
	}
	if v, ok := e.volumes[index].(*Volume); ok {
		v.opacity = opacity
	}
}

func (e *Engine) SetCrosshairColor(color [4]float64) { e.opts.CrosshairColor = color }
func (e *Engine) SetInterpolation(nearest bool)      { e.opts.IsNearestInterpolation = nearest }
func (e *Engine) SetSliceType(t engine.SliceType)    { e.opts.SliceType = t }
func (e *Engine) OverlayOutlineWidth() float64       { return e.outline }
func (e *Engine) SetOverlayOutlineWidth(w float64)   { e.outline = w }
func (e *Engine) UpdateGLVolume()                    { e.redraws.Add(1) }

func (e *Engine) SetFrame4D(id string, frame int) {
	e.frameUpdates.Add(1)
	idx := e.VolumeIndexByID(id)
	if idx < 0 {
		return
	}
	v, ok := e.volumes[idx].(*Volume)
	if !ok {
		return
	}
	if frame < 0 {
		frame = 0
	}
	if frame >= v.frames {
		frame = v.frames - 1
	}
	v.frame = frame
}

func (e *Engine) SceneFrame() (int, bool) { return e.frame, e.hasFrame }

func (e *Engine) SetSceneFrame(frame int) {
	e.frame = frame
	e.hasFrame = true
}

func (e *Engine) CrosshairPos() ([3]float64, bool) { return e.crosshair, e.hasCrosshair }

func (e *Engine) AddVolume(v engine.Volume) {
	e.volumes = append(e.volumes, v)
	if len(e.volumes) == 1 && !e.hasCrosshair {
		e.crosshair = e.centre(v)
		e.hasCrosshair = true
	}
}

// centre is the world position of the middle voxel of v
func (e *Engine) centre(v engine.Volume) [3]float64 {
	hv, ok := v.(*Volume)
	if !ok {
		return [3]float64{}
	}
	a := hv.header.Affine
	c := [3]float64{float64(hv.nx-1) / 2, float64(hv.ny-1) / 2, float64(hv.nz-1) / 2}
	var mm [3]float64
	for r := 0; r < 3; r++ {
		mm[r] = a[r][0]*c[0] + a[r][1]*c[1] + a[r][2]*c[2] + a[r][3]
	}
	return mm
}

func (e *Engine) RemoveVolumeByIndex(index int) {
	if index < 0 || index >= len(e.volumes) {
		return
	}
	e.volumes = append(e.volumes[:index], e.volumes[index+1:]...)
	if len(e.volumes) == 0 {
		e.hasCrosshair = false
	}
}

func (e *Engine) LoadVolumeFromURL(ctx context.Context, url, name string) (engine.Volume, error) {
	data, err := e.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	v, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", url, err)
	}
	v.url = url
	if name != "" {
		v.name = name
	}
	e.AddVolume(v)
	return v, nil
}

func (e *Engine) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (e *Engine) DecodeVolume(ctx context.Context, data []byte, opts engine.ImageOptions) (engine.Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	v.applyOptions(opts)
	return v, nil
}

func (e *Engine) LoadVolumes(ctx context.Context, opts []engine.ImageOptions) error {
	for _, o := range opts {
		if o.URL == "" {
			continue
		}
		v, err := e.LoadVolumeFromURL(ctx, o.URL, o.Name)
		if err != nil {
			return err
		}
		v.(*Volume).applyOptions(o)
	}
	return nil
}

func (e *Engine) EncodeVolume(ctx context.Context, index int, filename string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(e.volumes) {
		return nil, fmt.Errorf("volume index %d out of range", index)
	}
	v, ok := e.volumes[index].(*Volume)
	if !ok {
		return nil, ErrNotHeadless
	}
	return v.Encode(filename)
}

func (e *Engine) MeshCount() int { return len(e.meshes) }

func (e *Engine) RemoveMesh(index int) {
	if index < 0 || index >= len(e.meshes) {
		return
	}
	e.meshes = append(e.meshes[:index], e.meshes[index+1:]...)
}

// LoadMeshes records mesh layers; the headless engine keeps no mesh geometry
func (e *Engine) LoadMeshes(ctx context.Context, opts []engine.MeshOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.meshes = append(e.meshes, opts...)
	return nil
}

// SetDrawingEnabled toggles drawing, creating an empty bitmap over the background
// volume the first time
func (e *Engine) SetDrawingEnabled(enabled bool) {
	e.drawingEnabled = enabled
	if !enabled || e.drawing != nil {
		return
	}
	if back, ok := e.Background().(*Volume); ok {
		e.drawing, _ = NewVolume("drawing", back.Dims(), 1, back.header.Affine,
			make([]float64, back.nx*back.ny*back.nz))
	}
}

// DrawingEnabled reports whether pointer input paints into the bitmap
func (e *Engine) DrawingEnabled() bool { return e.drawingEnabled }

func (e *Engine) SetPenValue(value int, fill bool) {
	e.penValue = value
	e.penFill = fill
}

// PenValue returns the active pen label and fill flag
func (e *Engine) PenValue() (int, bool) { return e.penValue, e.penFill }

func (e *Engine) SetDrawOpacity(opacity float64)  { e.drawOpacity = opacity }
func (e *Engine) SetDrawFillOverwrites(ovw bool)  { e.fillOverwrites = ovw }
func (e *Engine) DrawOpacity() float64            { return e.drawOpacity }
func (e *Engine) HasDrawing() bool                { return e.drawing != nil }

// Paint writes the pen label at one voxel of the drawing bitmap
func (e *Engine) Paint(i, j, k int) bool {
	if !e.drawingEnabled || e.drawing == nil {
		return false
	}
	snapshot := make([]float64, len(e.drawing.data))
	copy(snapshot, e.drawing.data)
	if !e.drawing.set(i, j, k, float64(e.penValue)) {
		return false
	}
	e.undo = append(e.undo, snapshot)
	return true
}

// DrawingValue samples the drawing bitmap
func (e *Engine) DrawingValue(i, j, k int) float64 {
	if e.drawing == nil {
		return 0
	}
	return e.drawing.Value(i, j, k)
}

func (e *Engine) DrawUndo() {
	if e.drawing == nil || len(e.undo) == 0 {
		return
	}
	last := e.undo[len(e.undo)-1]
	e.undo = e.undo[:len(e.undo)-1]
	copy(e.drawing.data, last)
}

func (e *Engine) SaveDrawing(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.drawing == nil {
		return nil, errors.New("no drawing to save")
	}
	return e.drawing.Encode("drawing.gz")
}

// LoadDrawing replaces the bitmap with the voxels of v, which must share the
// background grid
func (e *Engine) LoadDrawing(v engine.Volume) bool {
	hv, ok := v.(*Volume)
	back, okBack := e.Background().(*Volume)
	if !ok || !okBack || !hv.sameGrid(back) {
		return false
	}
	data := make([]float64, back.nx*back.ny*back.nz)
	copy(data, hv.frameData(hv.frame))
	e.drawing, _ = NewVolume(hv.name, back.Dims(), 1, back.header.Affine, data)
	e.undo = nil
	return true
}

func (e *Engine) CloseDrawing() {
	e.drawing = nil
	e.drawingEnabled = false
	e.undo = nil
}

// JSON builds the document for the current scene. Volumes without a URL are
// embedded.
func (e *Engine) JSON() ([]byte, error) {
	doc := engine.Document{Opts: &engine.Options{}}
	*doc.Opts = e.opts

	blobs := make([]string, len(e.volumes))
	embedded := false
	for i, v := range e.volumes {
		doc.ImageOptionsArray = append(doc.ImageOptionsArray, engine.ImageOptions{
			URL:      v.URL(),
			Name:     v.Name(),
			Colormap: v.Colormap(),
			Opacity:  engine.Float(v.Opacity()),
			CalMin:   engine.Float(v.CalMin()),
			CalMax:   engine.Float(v.CalMax()),
		})
		hv, ok := v.(*Volume)
		if !ok {
			continue
		}
		doc.ImageOptionsArray[i].Frame4D = hv.frame
		if v.URL() != "" {
			continue
		}
		data, err := hv.Encode(".gz")
		if err != nil {
			return nil, err
		}
		blobs[i] = base64.StdEncoding.EncodeToString(data)
		embedded = true
	}
	if embedded {
		doc.EncodedImageBlobs = blobs
	}
	doc.MeshOptionsArray = append(doc.MeshOptionsArray, e.meshes...)

	if e.drawing != nil {
		data, err := e.drawing.Encode(".gz")
		if err != nil {
			return nil, err
		}
		doc.EncodedDrawingBlob = base64.StdEncoding.EncodeToString(data)
	}

	return json.Marshal(doc)
}

// LoadDocument replaces the scene with doc. Entries carrying an embedded blob are
// left to the caller; URL entries are fetched.
func (e *Engine) LoadDocument(ctx context.Context, doc *engine.Document) error {
	e.volumes = nil
	e.meshes = nil
	e.CloseDrawing()
	e.hasCrosshair = false
	e.hasFrame = false

	if doc.Opts != nil {
		e.opts = *doc.Opts
	}

	var firstErr error
	for i, o := range doc.ImageOptionsArray {
		if i < len(doc.EncodedImageBlobs) && doc.EncodedImageBlobs[i] != "" {
			continue
		}
		if o.URL == "" {
			continue
		}
		v, err := e.LoadVolumeFromURL(ctx, o.URL, o.Name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		v.(*Volume).applyOptions(o)
	}
	e.meshes = append(e.meshes, doc.MeshOptionsArray...)

	if doc.EncodedDrawingBlob != "" {
		data, err := base64.StdEncoding.DecodeString(doc.EncodedDrawingBlob)
		if err == nil {
			if d, err := Decode(data); err == nil {
				e.drawing = d
			}
		}
	}

	return firstErr
}

func (e *Engine) SetCallbacks(cb engine.Callbacks) { e.cb = cb }

// MoveCrosshair moves the cursor as a pointer click would and notifies the listener
func (e *Engine) MoveCrosshair(mm [3]float64) {
	e.crosshair = mm
	e.hasCrosshair = true
	if e.cb.LocationChange != nil {
		e.cb.LocationChange(mm)
	}
}

// ReleaseDrag ends a pointer drag and notifies the listener
func (e *Engine) ReleaseDrag() {
	if e.cb.DragRelease != nil {
		e.cb.DragRelease()
	}
}

// AdjustSegmentation changes the magic wand parameters as an in-canvas gesture would
func (e *Engine) AdjustSegmentation(percent, maxDistanceMM float64) {
	e.opts.ClickToSegmentPercent = percent
	e.opts.ClickToSegmentMaxDistanceMM = maxDistanceMM
	if e.cb.OptsChange != nil {
		e.cb.OptsChange()
	}
}
