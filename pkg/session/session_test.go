package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"freebrowse/internal/models"
	"freebrowse/pkg/config"
	"freebrowse/pkg/document"
	"freebrowse/pkg/engine"
	"freebrowse/pkg/engine/headless"
	"freebrowse/pkg/remote"
	"freebrowse/pkg/server"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Session.ReadyPollInterval = time.Millisecond
	cfg.Session.ReadyPollAttempts = 3
	cfg.Session.RedrawDebounce = 50 * time.Millisecond
	cfg.Session.DragSettleDelay = time.Millisecond
	return cfg
}

func newController(t *testing.T, client *remote.Client) (*Controller, *headless.Engine, string) {
	t.Helper()
	eng := headless.New(nil)
	eng.Attach()
	dir := t.TempDir()
	c := New(Params{
		Engine:    eng,
		Client:    client,
		Downloads: document.DirSink{Dir: dir},
		Config:    testConfig(),
	})
	t.Cleanup(c.Close)
	return c, eng, dir
}

// upload encodes a 3x3x3 volume whose voxel values equal their linear index
func upload(t *testing.T, name string, frames int) Upload {
	t.Helper()
	data := make([]float64, 27*frames)
	for i := range data {
		data[i] = float64(i % 27)
	}
	v, err := headless.NewVolume(name, [3]int{3, 3, 3}, frames, [4][4]float64{}, data)
	if err != nil {
		t.Fatalf("Failed to create volume: %v", err)
	}
	encoded, err := v.Encode(name + ".gz")
	if err != nil {
		t.Fatalf("Failed to encode volume: %v", err)
	}
	return Upload{Name: name, Data: encoded}
}

func loadVolumes(t *testing.T, c *Controller, names ...string) []string {
	t.Helper()
	var files []Upload
	for _, n := range names {
		files = append(files, upload(t, n, 1))
	}
	if err := c.LoadUploads(context.Background(), files); err != nil {
		t.Fatalf("Failed to load uploads: %v", err)
	}
	var ids []string
	for _, img := range c.Snapshot().Images {
		ids = append(ids, img.ID)
	}
	return ids
}

func current(t *testing.T, c *Controller) int {
	t.Helper()
	idx := c.Snapshot().CurrentImageIndex
	if idx == nil {
		return noSelection
	}
	return *idx
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// TestLoadUploads verifies the projection and the initial selection
func TestLoadUploads(t *testing.T) {
	c, _, _ := newController(t, nil)
	loadVolumes(t, c, "t1", "")

	s := c.Snapshot()
	if len(s.Images) != 2 {
		t.Fatalf("Expected 2 images, got %d", len(s.Images))
	}
	if s.Images[0].Name != "t1" || s.Images[1].Name != "Volume 2" {
		t.Errorf("Unexpected names %q and %q", s.Images[0].Name, s.Images[1].Name)
	}
	if !s.Images[0].Visible || s.Images[0].Colormap != "gray" {
		t.Errorf("Unexpected summary %+v", s.Images[0])
	}
	if current(t, c) != 0 {
		t.Errorf("Expected first image selected, got %d", current(t, c))
	}
	if s.Location == nil || len(s.Location.Voxels) != 2 {
		t.Errorf("Expected a location readout for both volumes, got %+v", s.Location)
	}
}

// TestEngineNotReady verifies a load is aborted when the engine never attaches
func TestEngineNotReady(t *testing.T) {
	eng := headless.New(nil)
	c := New(Params{Engine: eng, Config: testConfig()})
	defer c.Close()

	err := c.LoadUploads(context.Background(), []Upload{upload(t, "t1", 1)})
	if !errors.Is(err, engine.ErrEngineNotReady) {
		t.Fatalf("Expected ErrEngineNotReady, got %v", err)
	}
	if s := c.Snapshot(); len(s.Images) != 0 || s.CurrentImageIndex != nil {
		t.Errorf("Expected untouched session, got %+v", s)
	}
}

// TestRemoveRetargets verifies removal by stable id and the selection rules
func TestRemoveRetargets(t *testing.T) {
	c, eng, _ := newController(t, nil)
	ids := loadVolumes(t, c, "a", "b", "c", "d")

	if err := c.SelectImage(3); err != nil {
		t.Fatalf("Failed to select: %v", err)
	}

	// an earlier removal shifts the selection left
	if err := c.RemoveVolume(ids[1]); err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}
	if current(t, c) != 2 {
		t.Errorf("Expected selection 2, got %d", current(t, c))
	}

	// d is now at index 2; removing it selects its left neighbour
	if err := c.RemoveVolume(ids[3]); err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}
	if current(t, c) != 1 {
		t.Errorf("Expected selection 1, got %d", current(t, c))
	}
	if got := c.Snapshot().Images; len(got) != 2 || got[0].Name != "a" || got[1].Name != "c" {
		t.Errorf("Expected a and c to remain, got %+v", got)
	}

	// removing the selected first image keeps index 0 while images remain
	c.SelectImage(0)
	c.RemoveVolume(ids[0])
	if current(t, c) != 0 {
		t.Errorf("Expected selection 0, got %d", current(t, c))
	}

	c.RemoveVolume(ids[2])
	if s := c.Snapshot(); s.CurrentImageIndex != nil || len(s.Images) != 0 || s.Location != nil {
		t.Errorf("Expected empty session, got %+v", s)
	}
	if len(eng.Volumes()) != 0 {
		t.Errorf("Expected empty engine, got %d volumes", len(eng.Volumes()))
	}

	if err := c.RemoveVolume(ids[0]); !errors.Is(err, ErrUnknownImage) {
		t.Errorf("Expected ErrUnknownImage for a removed id, got %v", err)
	}
}

// TestRetarget covers the selection rule directly
func TestRetarget(t *testing.T) {
	tests := []struct {
		name                        string
		current, removed, remaining int
		want                        int
	}{
		{"no selection", noSelection, 0, 2, noSelection},
		{"selected removed, left neighbour", 2, 2, 2, 1},
		{"selected first, others remain", 0, 0, 1, 0},
		{"selected last one", 0, 0, 0, noSelection},
		{"earlier removed", 3, 1, 3, 2},
		{"later removed", 1, 2, 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retarget(tt.current, tt.removed, tt.remaining); got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}

// TestRemoveDialog verifies confirmation and the skip preference
func TestRemoveDialog(t *testing.T) {
	c, _, _ := newController(t, nil)
	loadVolumes(t, c, "a", "b", "c")

	if err := c.RequestRemove(1); err != nil {
		t.Fatalf("Failed to request removal: %v", err)
	}
	s := c.Snapshot()
	if !s.RemoveDialogOpen || s.RemoveTarget == nil || *s.RemoveTarget != 1 {
		t.Fatalf("Expected dialog open for index 1, got %+v", s)
	}
	c.CancelRemove()
	if s := c.Snapshot(); s.RemoveDialogOpen || len(s.Images) != 3 {
		t.Errorf("Expected cancel to keep every image, got %+v", s)
	}

	c.RequestRemove(1)
	if err := c.ConfirmRemove(); err != nil {
		t.Fatalf("Failed to confirm removal: %v", err)
	}
	if s := c.Snapshot(); s.RemoveDialogOpen || s.RemoveTarget != nil || len(s.Images) != 2 {
		t.Errorf("Expected one removal and a closed dialog, got %+v", s)
	}
	if err := c.ConfirmRemove(); !errors.Is(err, ErrDialogClosed) {
		t.Errorf("Expected ErrDialogClosed, got %v", err)
	}

	c.SetSkipRemoveConfirmation(true)
	c.RequestRemove(0)
	if s := c.Snapshot(); s.RemoveDialogOpen || len(s.Images) != 1 || s.Images[0].Name != "c" {
		t.Errorf("Expected immediate removal, got %+v", s)
	}
}

// TestToggleVisibility verifies hiding remembers the previous opacity
func TestToggleVisibility(t *testing.T) {
	c, eng, _ := newController(t, nil)
	ids := loadVolumes(t, c, "a")

	c.SetOpacity(ids[0], 0.4)
	if err := c.ToggleVisibility(ids[0]); err != nil {
		t.Fatalf("Failed to toggle: %v", err)
	}
	img := c.Snapshot().Images[0]
	if img.Visible || img.Opacity != 0 || eng.Volumes()[0].Opacity() != 0 {
		t.Errorf("Expected hidden image, got %+v", img)
	}

	c.ToggleVisibility(ids[0])
	img = c.Snapshot().Images[0]
	if !img.Visible || img.Opacity != 0.4 || eng.Volumes()[0].Opacity() != 0.4 {
		t.Errorf("Expected opacity 0.4 restored, got %+v", img)
	}

	// hidden through the slider, there is nothing to restore
	c.SetOpacity(ids[0], 0)
	c.ToggleVisibility(ids[0])
	if img := c.Snapshot().Images[0]; img.Opacity != 1 {
		t.Errorf("Expected full opacity, got %f", img.Opacity)
	}
}

// TestDisplayParameters verifies each change lands on the volume with that id and
// bursts collapse into one redraw
func TestDisplayParameters(t *testing.T) {
	c, eng, _ := newController(t, nil)
	ids := loadVolumes(t, c, "a", "b")

	before := eng.Redraws()
	for _, v := range []float64{0.1, 0.2, 1.5} {
		c.SetOpacity(ids[1], v)
	}
	c.SetContrastMin(ids[1], 2)
	c.SetContrastMax(ids[1], 20)
	c.SetColormap(ids[1], "hot")
	c.SetContrastMax(ids[1], 21)

	s := c.Snapshot()
	b := s.Images[1]
	if b.Opacity != 1 || b.ContrastMin != 2 || b.ContrastMax != 21 || b.Colormap != "hot" {
		t.Errorf("Unexpected summary %+v", b)
	}
	vb := eng.Volumes()[1]
	if vb.Opacity() != 1 || vb.CalMin() != 2 || vb.CalMax() != 21 || vb.Colormap() != "hot" {
		t.Error("Expected engine volume to follow the summary")
	}
	if s.Images[0].Colormap != "gray" || eng.Volumes()[0].Colormap() != "gray" {
		t.Error("Expected the other volume to be untouched")
	}

	eventually(t, "debounced redraw", func() bool { return eng.Redraws() > before })
	time.Sleep(100 * time.Millisecond)
	if got := eng.Redraws() - before; got != 1 {
		t.Errorf("Expected a single redraw, got %d", got)
	}

	if err := c.SetOpacity("missing", 1); !errors.Is(err, ErrUnknownImage) {
		t.Errorf("Expected ErrUnknownImage, got %v", err)
	}
}

// TestViewerOptions verifies settings reach the engine
func TestViewerOptions(t *testing.T) {
	c, eng, _ := newController(t, nil)

	c.SetViewMode(models.ViewSagittal)
	c.SetCrosshairWidth(3)
	c.SetDragMode(models.DragPan)
	c.SetInterpolateVoxels(true)
	if err := c.SetCrosshairColorHex("#00ff00"); err != nil {
		t.Fatalf("Failed to set color: %v", err)
	}
	c.SetOverlayOutlineWidth(2)

	opts := eng.Options()
	if opts.SliceType != engine.SliceSagittal || opts.CrosshairWidth != 3 || opts.DragMode != engine.DragPan {
		t.Errorf("Unexpected engine options %+v", opts)
	}
	if opts.IsNearestInterpolation {
		t.Error("Expected smooth interpolation")
	}
	if opts.CrosshairColor != [4]float64{0, 1, 0, 0.5} {
		t.Errorf("Expected green with the previous alpha, got %v", opts.CrosshairColor)
	}
	if eng.OverlayOutlineWidth() != 2 {
		t.Errorf("Expected outline 2, got %f", eng.OverlayOutlineWidth())
	}

	c.SetCrosshairVisible(false)
	if eng.Options().CrosshairWidth != 0 || c.Snapshot().Viewer.CrosshairWidth != 3 {
		t.Error("Expected hidden crosshair to keep its configured width")
	}

	if err := c.SetCrosshairColorHex("green"); err == nil {
		t.Error("Expected error for a malformed color, got nil")
	}
}

// TestFrames verifies the timeline follows 4D volumes
func TestFrames(t *testing.T) {
	c, eng, _ := newController(t, nil)
	if err := c.LoadUploads(context.Background(), []Upload{upload(t, "bold", 4), upload(t, "t1", 1)}); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if tl := c.Snapshot().Timeline; tl.TotalFrames != 4 || tl.CurrentFrame != 0 {
		t.Fatalf("Expected 4 frames at 0, got %+v", tl)
	}

	c.SetFrame(2.4)
	if tl := c.Snapshot().Timeline; tl.CurrentFrame != 2 {
		t.Errorf("Expected frame 2, got %d", tl.CurrentFrame)
	}
	if f, _ := eng.SceneFrame(); f != 2 {
		t.Errorf("Expected engine frame 2, got %d", f)
	}

	c.RemoveVolume(c.Snapshot().Images[0].ID)
	if tl := c.Snapshot().Timeline; tl.TotalFrames != 1 || tl.CurrentFrame != 0 {
		t.Errorf("Expected a single frame, got %+v", tl)
	}
}

// TestCallbacks verifies engine events update the session
func TestCallbacks(t *testing.T) {
	c, eng, _ := newController(t, nil)
	loadVolumes(t, c, "a")

	eng.MoveCrosshair([3]float64{1, 1, 2})
	loc := c.Snapshot().Location
	if loc == nil || loc.Voxels[0].Voxel != [3]int{1, 1, 2} || loc.Voxels[0].Value != 22 {
		t.Errorf("Unexpected readout %+v", loc)
	}

	c.SetDrawMode(models.DrawWand)
	eng.AdjustSegmentation(0.3, 7)
	if d := c.Snapshot().Drawing; d.MagicWandThresholdPercent != 0.3 || d.MagicWandMaxDistanceMM != 7 {
		t.Errorf("Expected wand parameters from the viewer, got %+v", d)
	}

	eng.Volumes()[0].SetCalMin(5)
	eng.ReleaseDrag()
	eventually(t, "drag settle", func() bool { return c.Snapshot().Images[0].ContrastMin == 5 })
}

// TestDrawing verifies layer creation, saving and editing
func TestDrawing(t *testing.T) {
	c, eng, _ := newController(t, nil)
	loadVolumes(t, c, "t1")
	ctx := context.Background()

	if err := c.CreateDrawingLayer(); err != nil {
		t.Fatalf("Failed to create layer: %v", err)
	}
	c.SetDrawMode(models.DrawPen)
	c.SetPenValue(3)
	if !eng.Paint(1, 1, 1) {
		t.Fatal("Expected paint to succeed")
	}

	if err := c.SaveDrawing(ctx); err != nil {
		t.Fatalf("Failed to save drawing: %v", err)
	}
	s := c.Snapshot()
	if len(s.Images) != 2 || current(t, c) != 1 {
		t.Fatalf("Expected the drawing selected as a second image, got %+v", s)
	}
	if s.Images[1].Name != "drawing.nii.gz" || s.Images[1].Colormap != "red" {
		t.Errorf("Unexpected drawing summary %+v", s.Images[1])
	}
	if s.Drawing.Enabled || s.Drawing.Mode != models.DrawNone {
		t.Errorf("Expected drawing closed, got %+v", s.Drawing)
	}

	if !c.CanEditVolume(1) {
		t.Fatal("Expected the drawing to be editable")
	}
	if err := c.EditVolume(ctx, 1); err != nil {
		t.Fatalf("Failed to edit volume: %v", err)
	}
	if eng.DrawingValue(1, 1, 1) != 3 {
		t.Errorf("Expected label 3 in the reopened layer, got %f", eng.DrawingValue(1, 1, 1))
	}
	if !c.Snapshot().Drawing.Enabled {
		t.Error("Expected the layer to be enabled")
	}
	if c.CanEditVolume(7) {
		t.Error("Expected out of range index to be rejected")
	}
}

// TestDocumentLoadClosesDialogs verifies a document load leaves no dialog or
// drawing tool tied to the previous scene
func TestDocumentLoadClosesDialogs(t *testing.T) {
	c, eng, _ := newController(t, nil)
	loadVolumes(t, c, "a", "b")
	if err := c.CreateDrawingLayer(); err != nil {
		t.Fatalf("Failed to create layer: %v", err)
	}
	c.SetDrawMode(models.DrawPen)
	c.OpenSaveDialog(true)
	c.SetSaveVolumeEnabled(1, true)
	if err := c.RequestRemove(0); err != nil {
		t.Fatalf("Failed to request removal: %v", err)
	}

	if err := c.LoadDocumentData(context.Background(), []byte(`{}`), ""); err != nil {
		t.Fatalf("Failed to load empty document: %v", err)
	}
	s := c.Snapshot()
	if len(s.Images) != 0 || s.CurrentImageIndex != nil {
		t.Errorf("Expected an empty scene, got %+v", s)
	}
	if s.Save != nil || s.RemoveDialogOpen {
		t.Errorf("Expected both dialogs closed, got save=%+v remove=%v", s.Save, s.RemoveDialogOpen)
	}
	if s.Drawing.Enabled || s.Drawing.Mode != models.DrawNone {
		t.Errorf("Expected no drawing tool, got %+v", s.Drawing)
	}
	if eng.DrawingEnabled() || eng.HasDrawing() {
		t.Error("Expected the engine drawing surface to be closed")
	}
	if err := c.ConfirmSave(context.Background()); !errors.Is(err, ErrDialogClosed) {
		t.Errorf("Expected ErrDialogClosed, got %v", err)
	}
}

// TestEmptySaveWithoutBackend verifies confirming an empty dialog acts as cancel
func TestEmptySaveWithoutBackend(t *testing.T) {
	c, _, _ := newController(t, nil)
	loadVolumes(t, c, "a")

	c.OpenSaveDialog(false)
	if err := c.ConfirmSave(context.Background()); err != nil {
		t.Errorf("Expected an empty save to succeed, got %v", err)
	}
	if c.Snapshot().Save != nil {
		t.Error("Expected the dialog to close")
	}

	c.OpenSaveDialog(false)
	c.SetSaveDocumentEnabled(true)
	if err := c.ConfirmSave(context.Background()); !errors.Is(err, ErrNoBackend) {
		t.Errorf("Expected ErrNoBackend, got %v", err)
	}
}

// TestMalformedDocument verifies a bad document leaves the session untouched
func TestMalformedDocument(t *testing.T) {
	c, _, _ := newController(t, nil)
	loadVolumes(t, c, "a", "b")
	c.SelectImage(1)

	err := c.LoadDocumentData(context.Background(), []byte(`{"imageOptionsArray": 3}`), "")
	var de *document.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("Expected DecodeError, got %v", err)
	}
	if s := c.Snapshot(); len(s.Images) != 2 || current(t, c) != 1 {
		t.Errorf("Expected session untouched, got %+v", s)
	}
}

// TestDownloadRoundTrip saves in download mode and loads the result as an upload
func TestDownloadRoundTrip(t *testing.T) {
	c, _, dir := newController(t, nil)
	ids := loadVolumes(t, c, "t1", "seg")
	c.SetColormap(ids[1], "hot")
	c.SetViewMode(models.ViewCoronal)
	ctx := context.Background()

	c.OpenSaveDialog(true)
	s := c.Snapshot().Save
	if s == nil || s.Document.Enabled || len(s.Volumes) != 2 || s.Volumes[0].Enabled {
		t.Fatalf("Expected a dialog with nothing selected, got %+v", s)
	}
	c.SetSaveDocumentEnabled(true)
	c.SetSaveVolumeEnabled(1, true)
	if err := c.ConfirmSave(ctx); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}
	if c.Snapshot().Save != nil {
		t.Error("Expected the dialog to close")
	}

	if _, err := os.Stat(filepath.Join(dir, "seg.nii.gz")); err != nil {
		t.Errorf("Expected seg.nii.gz to be written: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, document.DefaultDocumentName))
	if err != nil {
		t.Fatalf("Expected document to be written: %v", err)
	}

	fresh, _, _ := newController(t, nil)
	if err := fresh.LoadUploads(ctx, []Upload{{Name: "scene.nvd", Data: data}}); err != nil {
		t.Fatalf("Failed to load document: %v", err)
	}
	got := fresh.Snapshot()
	if len(got.Images) != 2 || got.Images[1].Colormap != "hot" || current(t, fresh) != 0 {
		t.Errorf("Unexpected reloaded session %+v", got)
	}
	if got.Viewer.ViewMode != models.ViewCoronal {
		t.Errorf("Expected coronal view, got %s", got.Viewer.ViewMode)
	}
}

// TestUploadFallback verifies volumes still load when the document does not
func TestUploadFallback(t *testing.T) {
	c, _, _ := newController(t, nil)
	files := []Upload{{Name: "broken.nvd", Data: []byte("{")}, upload(t, "t1", 1)}
	if err := c.LoadUploads(context.Background(), files); err != nil {
		t.Fatalf("Expected the volume to load, got %v", err)
	}
	if s := c.Snapshot(); len(s.Images) != 1 || s.Images[0].Name != "t1" {
		t.Errorf("Unexpected session %+v", s)
	}
}

// TestBackendSession persists a scene through the backend and reopens it from a
// query parameter
func TestBackendSession(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	cfg.Server.LogoutURL = "https://sso.example/logout"
	srv := httptest.NewServer(server.New(cfg, nil).Handler())
	defer srv.Close()
	ctx := context.Background()

	writer, _, _ := newController(t, remote.NewClient(srv.URL))
	loadVolumes(t, writer, "t1")
	writer.OpenSaveDialog(false)
	writer.SetSaveDocumentEnabled(true)
	writer.SetSaveDocumentLocation("scene")
	writer.SetSaveVolumeEnabled(0, true)
	writer.SetSaveVolumeURL(0, "data/t1.nii")
	if err := writer.ConfirmSave(ctx); err != nil {
		t.Fatalf("Failed to save to backend: %v", err)
	}
	for _, f := range []string{"scene.nvd", "t1.nii"} {
		if _, err := os.Stat(filepath.Join(cfg.Server.DataDir, f)); err != nil {
			t.Errorf("Expected %s on the backend: %v", f, err)
		}
	}

	reader, _, _ := newController(t, remote.NewClient(srv.URL))
	if err := reader.Init(ctx, url.Values{"nvd": {"data/scene.nvd"}}); err != nil {
		t.Fatalf("Failed to open from query: %v", err)
	}
	s := reader.Snapshot()
	if !s.ConfigLoaded || s.Serverless || s.LogoutURL == nil {
		t.Errorf("Expected backend config, got %+v", s)
	}
	if len(s.Images) != 1 || current(t, reader) != 0 {
		t.Fatalf("Expected one selected image, got %+v", s)
	}

	if err := reader.LoadImagingFile(ctx, models.FileItem{Filename: "t1.nii", URL: "data/t1.nii"}); err != nil {
		t.Fatalf("Failed to load imaging file: %v", err)
	}
	if current(t, reader) != 1 || reader.Snapshot().Images[1].Name != "t1.nii" {
		t.Errorf("Expected the new image selected, got %+v", reader.Snapshot())
	}

	reader.OpenSaveDialog(false)
	save := reader.Snapshot().Save
	if save.Volumes[0].IsExternal || save.Volumes[0].URL != "data/t1.nii" {
		t.Errorf("Expected the document URL to be kept, got %+v", save.Volumes[0])
	}
	if !save.Volumes[1].IsExternal {
		t.Error("Expected an absolute URL to be external")
	}
	reader.SetSaveVolumeEnabled(1, true)
	if reader.Snapshot().Save.Volumes[1].URL != "" {
		t.Error("Expected enabling an external volume to clear its URL")
	}
	reader.CancelSave()
}
