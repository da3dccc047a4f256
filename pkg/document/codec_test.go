package document

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tidwall/gjson"

	"freebrowse/internal/models"
	"freebrowse/pkg/engine"
	"freebrowse/pkg/engine/headless"
)

type recordingSink struct {
	mu        sync.Mutex
	documents map[string][]byte
	volumes   map[string][]byte
}

func newRecordingSink() *recordingSink {
	return &recordingSink{documents: map[string][]byte{}, volumes: map[string][]byte{}}
}

func (s *recordingSink) SaveDocument(ctx context.Context, filename string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[filename] = data
	return nil
}

func (s *recordingSink) SaveVolume(ctx context.Context, filename string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volumes[filename] = data
	return nil
}

func newVolume(t *testing.T, name string) *headless.Volume {
	t.Helper()
	data := make([]float64, 27)
	for i := range data {
		data[i] = float64(i)
	}
	v, err := headless.NewVolume(name, [3]int{3, 3, 3}, 1, [4][4]float64{}, data)
	if err != nil {
		t.Fatalf("Failed to create volume: %v", err)
	}
	return v
}

func encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// volumeServer serves the same encoded volume for every path
func volumeServer(t *testing.T) *httptest.Server {
	t.Helper()
	payload, err := newVolume(t, "remote").Encode("remote.nii.gz")
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestParse verifies top-level validation
func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"valid", `{"imageOptionsArray":[{"name":"a"}],"opts":{"sliceType":2}}`, false},
		{"empty object", `{}`, false},
		{"not json", `{"imageOptionsArray":`, true},
		{"array root", `[1,2]`, true},
		{"options not array", `{"imageOptionsArray":{"name":"a"}}`, true},
		{"blobs not array", `{"encodedImageBlobs":"abc"}`, true},
	}

	for _, tt := range tests {
		_, err := Parse([]byte(tt.data))
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: expected error %v, got %v", tt.name, tt.wantErr, err)
			continue
		}
		var de *DecodeError
		if err != nil && (!errors.As(err, &de) || de.Item != -1) {
			t.Errorf("%s: expected a top-level DecodeError, got %v", tt.name, err)
		}
	}
}

// TestResolveLinked verifies relative URLs resolve against the document location
func TestResolveLinked(t *testing.T) {
	doc := &engine.Document{
		ImageOptionsArray: []engine.ImageOptions{
			{URL: "t1.nii.gz"},
			{URL: "../shared/bold.nii.gz"},
			{URL: "http://other.example/abs.nii"},
			{},
		},
		MeshOptionsArray: []engine.MeshOptions{{URL: "/meshes/lh.pial"}},
	}
	if err := ResolveLinked(doc, "http://host/data/scenes/scene.nvd"); err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}

	want := []string{
		"http://host/data/scenes/t1.nii.gz",
		"http://host/data/shared/bold.nii.gz",
		"http://other.example/abs.nii",
		"",
	}
	for i, w := range want {
		if got := doc.ImageOptionsArray[i].URL; got != w {
			t.Errorf("Image %d: expected %q, got %q", i, w, got)
		}
	}
	if got := doc.MeshOptionsArray[0].URL; got != "http://host/meshes/lh.pial" {
		t.Errorf("Expected absolute mesh path, got %q", got)
	}
}

// TestLoadMalformedLeavesEngine verifies a bad document does not touch the scene
func TestLoadMalformedLeavesEngine(t *testing.T) {
	eng := headless.New(nil)
	eng.AddVolume(newVolume(t, "keep"))
	codec := NewCodec(eng, nil, true)

	err := codec.Load(context.Background(), []byte(`{"imageOptionsArray": 12}`), "")
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("Expected DecodeError, got %v", err)
	}
	if len(eng.Volumes()) != 1 || eng.Volumes()[0].Name() != "keep" {
		t.Error("Expected the scene to be unchanged")
	}
}

// TestLoadSkipsBadBlob verifies a broken blob is skipped and the rest loads
func TestLoadSkipsBadBlob(t *testing.T) {
	eng := headless.New(nil)
	codec := NewCodec(eng, nil, true)

	good, err := newVolume(t, "good").Encode(".gz")
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	doc := `{"imageOptionsArray":[{"name":"broken"},{"name":"good"}],` +
		`"encodedImageBlobs":["@@not-base64@@","` + encode(good) + `"]}`

	if err := codec.Load(context.Background(), []byte(doc), ""); err != nil {
		t.Fatalf("Expected load to succeed, got %v", err)
	}
	if len(eng.Volumes()) != 1 || eng.Volumes()[0].Name() != "good" {
		t.Errorf("Expected only the good blob, got %d volumes", len(eng.Volumes()))
	}
}

// TestSaveLoadRoundTrip verifies count, names and URL overrides survive a round trip
func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv := volumeServer(t)

	eng := headless.New(srv.Client())
	if _, err := eng.LoadVolumeFromURL(ctx, srv.URL+"/remote.nii.gz", "remote"); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	local := newVolume(t, "local")
	local.SetColormap("hot")
	eng.AddVolume(local)
	eng.SetSliceType(engine.SliceSagittal)

	state := models.SaveState{
		IsDownloadMode: true,
		Document:       models.SaveDocumentState{Enabled: true, Location: "scene.nvd"},
		Volumes: []models.SaveVolumeState{
			{Enabled: true, URL: "scans/remote.nii.gz"},
			{Enabled: false},
		},
	}
	dir := t.TempDir()
	if err := NewCodec(eng, nil, true).Save(ctx, state, DirSink{Dir: dir}); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "scene.nvd"))
	if err != nil {
		t.Fatalf("Failed to read document: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "remote.nii.gz")); err != nil {
		t.Errorf("Expected the flagged volume to be written: %v", err)
	}
	if got := gjson.GetBytes(data, "imageOptionsArray.0.url").String(); got != "scans/remote.nii.gz" {
		t.Errorf("Expected URL override in document, got %q", got)
	}

	fresh := headless.New(srv.Client())
	codec := NewCodec(fresh, nil, true)
	if err := codec.Load(ctx, data, srv.URL+"/docs/scene.nvd"); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	vols := fresh.Volumes()
	if len(vols) != 2 {
		t.Fatalf("Expected 2 volumes, got %d", len(vols))
	}
	if vols[0].Name() != "remote" || vols[1].Name() != "local" {
		t.Errorf("Unexpected names %s, %s", vols[0].Name(), vols[1].Name())
	}
	if vols[0].URL() != "scans/remote.nii.gz" {
		t.Errorf("Expected the override to round trip, got %q", vols[0].URL())
	}
	if vols[1].Colormap() != "hot" {
		t.Errorf("Expected embedded colormap hot, got %s", vols[1].Colormap())
	}
	if fresh.Options().SliceType != engine.SliceSagittal {
		t.Errorf("Expected sagittal slice type, got %d", fresh.Options().SliceType)
	}
}

// TestLoadOptionsArray verifies the discrete loading path resets the scene first
func TestLoadOptionsArray(t *testing.T) {
	ctx := context.Background()
	srv := volumeServer(t)

	eng := headless.New(srv.Client())
	eng.AddVolume(newVolume(t, "stale"))
	eng.LoadMeshes(ctx, []engine.MeshOptions{{Name: "old"}})
	codec := NewCodec(eng, nil, false)

	doc := `{"imageOptionsArray":[{"url":"t1.nii.gz","name":"t1"}],` +
		`"meshOptionsArray":[{"name":"lh"}],"opts":{"sliceType":4,"crosshairWidth":2}}`
	if err := codec.Load(ctx, []byte(doc), srv.URL+"/scenes/a.nvd"); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	vols := eng.Volumes()
	if len(vols) != 1 || vols[0].Name() != "t1" {
		t.Fatalf("Expected only t1, got %d volumes", len(vols))
	}
	if vols[0].URL() != "t1.nii.gz" {
		t.Errorf("Expected the document URL to be attached, got %q", vols[0].URL())
	}
	if eng.MeshCount() != 1 {
		t.Errorf("Expected 1 mesh, got %d", eng.MeshCount())
	}
	if eng.Options().SliceType != engine.SliceRender || eng.Options().CrosshairWidth != 2 {
		t.Errorf("Expected option overrides, got %+v", eng.Options())
	}
}

// TestSavePersistence verifies filenames and compression for the upload sink
func TestSavePersistence(t *testing.T) {
	ctx := context.Background()
	eng := headless.New(nil)
	eng.AddVolume(newVolume(t, "t1"))
	eng.AddVolume(newVolume(t, "t2"))
	sink := newRecordingSink()

	state := models.SaveState{
		Document: models.SaveDocumentState{Enabled: true},
		Volumes: []models.SaveVolumeState{
			{Enabled: true, URL: "out/t1.nii"},
			{Enabled: true, URL: ""},
		},
	}
	err := NewCodec(eng, nil, true).Save(ctx, state, sink)
	if !errors.Is(err, ErrMissingLocation) {
		t.Errorf("Expected ErrMissingLocation, got %v", err)
	}

	if len(sink.volumes) != 1 {
		t.Fatalf("Expected 1 upload, got %d", len(sink.volumes))
	}
	data, ok := sink.volumes["out/t1.nii"]
	if !ok {
		t.Fatalf("Expected upload under the dialog URL, got %v", sink.volumes)
	}
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		t.Error("Expected a compressed payload")
	}
	if len(sink.documents) != 0 {
		t.Error("Expected no document without a location")
	}
}

// TestSaveNothingEnabled verifies an empty selection writes nothing
func TestSaveNothingEnabled(t *testing.T) {
	eng := headless.New(nil)
	eng.AddVolume(newVolume(t, "t1"))
	sink := newRecordingSink()

	state := models.SaveState{Volumes: []models.SaveVolumeState{{URL: "t1.nii.gz"}}}
	if err := NewCodec(eng, nil, true).Save(context.Background(), state, sink); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if len(sink.volumes)+len(sink.documents) != 0 {
		t.Error("Expected nothing to be written")
	}
}
