package document

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"freebrowse/internal/models"
	"freebrowse/pkg/engine"
)

// DefaultDocumentName is used for a downloaded document without a location
const DefaultDocumentName = "scene.nvd"

// ErrMissingLocation is returned when a document is persisted without a location
var ErrMissingLocation = errors.New("document location is empty")

// uploadLimit bounds concurrent volume uploads
const uploadLimit = 4

// Sink receives the files written by Save
type Sink interface {
	SaveDocument(ctx context.Context, filename string, data []byte) error
	SaveVolume(ctx context.Context, filename string, data []byte) error
}

// DirSink writes files into a local directory, keeping only the base name
type DirSink struct {
	Dir string
}

// SaveDocument writes the document under its base name
func (s DirSink) SaveDocument(ctx context.Context, filename string, data []byte) error {
	return s.write(ctx, filename, data)
}

// SaveVolume writes an encoded volume under its base name
func (s DirSink) SaveVolume(ctx context.Context, filename string, data []byte) error {
	return s.write(ctx, filename, data)
}

func (s DirSink) write(ctx context.Context, filename string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	path := filepath.Join(s.Dir, filepath.Base(filename))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Codec loads documents into an engine and saves the engine scene
type Codec struct {
	eng         engine.Engine
	adapter     *engine.Adapter
	log         *log.Entry
	viaDocument bool
}

// NewCodec creates a codec. viaDocument selects the document loading path; the
// options-array path is used otherwise.
func NewCodec(eng engine.Engine, logger *log.Entry, viaDocument bool) *Codec {
	if logger == nil {
		logger = log.WithField("prefix", "codec")
	}
	return &Codec{
		eng:         eng,
		adapter:     engine.NewAdapter(eng),
		log:         logger,
		viaDocument: viaDocument,
	}
}

// Load replaces the engine scene with the document in data. base is the location
// the document was read from and resolves relative URLs. A malformed document
// returns a DecodeError before the engine is touched.
func (c *Codec) Load(ctx context.Context, data []byte, base string) error {
	doc, err := Parse(data)
	if err != nil {
		return err
	}
	urls := ImageURLs(doc)
	if err := ResolveLinked(doc, base); err != nil {
		return err
	}

	if c.viaDocument {
		err = c.loadDocument(ctx, doc)
	} else {
		err = c.loadOptions(ctx, doc)
	}

	c.adapter.ApplyViewerOptions(c.adapter.DeriveViewerOptions())
	c.attachURLs(urls)

	c.log.WithFields(log.Fields{
		"volumes": len(c.eng.Volumes()),
		"meshes":  c.eng.MeshCount(),
	}).Info("Document loaded")
	return err
}

func (c *Codec) loadDocument(ctx context.Context, doc *engine.Document) error {
	if err := c.eng.LoadDocument(ctx, doc); err != nil {
		c.log.WithError(err).Error("Failed to load document")
		return fmt.Errorf("load document: %w", err)
	}

	for i, blob := range doc.EncodedImageBlobs {
		if blob == "" {
			continue
		}
		var opts engine.ImageOptions
		if i < len(doc.ImageOptionsArray) {
			opts = doc.ImageOptionsArray[i]
		}
		if err := c.addBlob(ctx, blob, opts); err != nil {
			c.log.WithError(&DecodeError{Item: i, Err: err}).Warn("Skipping image blob")
		}
	}
	return nil
}

func (c *Codec) addBlob(ctx context.Context, blob string, opts engine.ImageOptions) error {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return err
	}
	v, err := c.eng.DecodeVolume(ctx, data, opts)
	if err != nil {
		return err
	}
	c.eng.AddVolume(v)
	return nil
}

func (c *Codec) loadOptions(ctx context.Context, doc *engine.Document) error {
	for len(c.eng.Volumes()) > 0 {
		c.eng.RemoveVolumeByIndex(0)
	}
	for c.eng.MeshCount() > 0 {
		c.eng.RemoveMesh(0)
	}
	c.eng.CloseDrawing()
	c.eng.SetDrawingEnabled(false)

	var errs []error
	if len(doc.ImageOptionsArray) > 0 {
		if err := c.eng.LoadVolumes(ctx, doc.ImageOptionsArray); err != nil {
			c.log.WithError(err).Error("Failed to load volumes")
			errs = append(errs, fmt.Errorf("load volumes: %w", err))
		}
	}
	if len(doc.MeshOptionsArray) > 0 {
		if err := c.eng.LoadMeshes(ctx, doc.MeshOptionsArray); err != nil {
			c.log.WithError(err).Error("Failed to load meshes")
			errs = append(errs, fmt.Errorf("load meshes: %w", err))
		}
	}

	c.eng.SetDefaults(nil)
	if doc.Opts != nil {
		c.eng.SetDefaults(doc.Opts)
	}
	return errors.Join(errs...)
}

// attachURLs restores the URLs as written in the document, by position
func (c *Codec) attachURLs(urls []string) {
	vols := c.eng.Volumes()
	for i := 0; i < len(vols) && i < len(urls); i++ {
		if urls[i] != "" {
			vols[i].SetURL(urls[i])
		}
	}
}

type upload struct {
	index    int
	filename string
	data     []byte
}

// Batch is a save whose parts have been encoded and only need writing. Writing a
// batch does not touch the engine.
type Batch struct {
	document string
	docData  []byte
	volumes  []upload
	errs     []error
	log      *log.Entry
}

// Empty reports whether the batch has nothing to write
func (b *Batch) Empty() bool {
	return b.docData == nil && len(b.volumes) == 0
}

// Save writes the parts of the scene flagged in state to sink. Failures of one part
// do not stop the others; all of them are returned joined.
func (c *Codec) Save(ctx context.Context, state models.SaveState, sink Sink) error {
	return c.Prepare(ctx, state).Write(ctx, sink)
}

// Prepare exports the document and encodes the volumes flagged in state. Encoding
// failures are kept in the batch and reported by Write.
func (c *Codec) Prepare(ctx context.Context, state models.SaveState) *Batch {
	b := &Batch{log: c.log}
	if !state.AnyEnabled() {
		return b
	}

	if state.Document.Enabled {
		filename, data, err := c.prepareDocument(state)
		if err != nil {
			c.log.WithError(err).Error("Failed to save document")
			b.errs = append(b.errs, err)
		} else {
			b.document, b.docData = filename, data
		}
	}

	uploads, err := c.encodeVolumes(ctx, state)
	if err != nil {
		b.errs = append(b.errs, err)
	}
	b.volumes = uploads
	return b
}

// Write sends the batch to sink, uploading volumes concurrently
func (b *Batch) Write(ctx context.Context, sink Sink) error {
	errs := append([]error(nil), b.errs...)
	if b.docData != nil {
		if err := sink.SaveDocument(ctx, b.document, b.docData); err != nil {
			b.log.WithError(err).Error("Failed to save document")
			errs = append(errs, fmt.Errorf("save document: %w", err))
		} else {
			b.log.WithField("file", b.document).Info("Document saved")
		}
	}

	failed := make([]error, len(b.volumes))
	var g errgroup.Group
	g.SetLimit(uploadLimit)
	for i, u := range b.volumes {
		g.Go(func() error {
			if err := sink.SaveVolume(ctx, u.filename, u.data); err != nil {
				failed[i] = fmt.Errorf("save volume %d: %w", u.index, err)
				b.log.WithError(err).WithField("file", u.filename).Error("Failed to save volume")
				return failed[i]
			}
			b.log.WithField("file", u.filename).Info("Volume saved")
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(append(errs, failed...)...)
}

// DocumentJSON returns the engine document with the URL overrides of state applied,
// indented for writing
func (c *Codec) DocumentJSON(state models.SaveState) ([]byte, error) {
	raw, err := c.eng.JSON()
	if err != nil {
		return nil, fmt.Errorf("export document: %w", err)
	}
	for i, vs := range state.Volumes {
		if !vs.Enabled || strings.TrimSpace(vs.URL) == "" {
			continue
		}
		if !gjson.GetBytes(raw, fmt.Sprintf("imageOptionsArray.%d", i)).Exists() {
			continue
		}
		raw, err = sjson.SetBytes(raw, fmt.Sprintf("imageOptionsArray.%d.url", i), vs.URL)
		if err != nil {
			return nil, fmt.Errorf("override url %d: %w", i, err)
		}
	}
	return pretty.Pretty(raw), nil
}

func (c *Codec) prepareDocument(state models.SaveState) (string, []byte, error) {
	filename := strings.TrimSpace(state.Document.Location)
	if filename == "" {
		if !state.IsDownloadMode {
			return "", nil, ErrMissingLocation
		}
		filename = DefaultDocumentName
	}

	data, err := c.DocumentJSON(state)
	if err != nil {
		return "", nil, err
	}
	return filename, data, nil
}

// encodeVolumes re-encodes every flagged volume. The engine is not safe for
// concurrent use, so this runs before any upload starts.
func (c *Codec) encodeVolumes(ctx context.Context, state models.SaveState) ([]upload, error) {
	vols := c.eng.Volumes()
	var uploads []upload
	var errs []error

	for i, vs := range state.Volumes {
		if !vs.Enabled || i >= len(vols) {
			continue
		}

		target := strings.TrimSpace(vs.URL)
		encodeAs := target
		if state.IsDownloadMode {
			if target == "" {
				name := vols[i].Name()
				if name == "" {
					name = fmt.Sprintf("volume-%d", i+1)
				}
				target = name + ".nii.gz"
			}
			encodeAs = target
		} else {
			if target == "" {
				continue
			}
			if !strings.HasSuffix(strings.ToLower(target), ".gz") {
				encodeAs = target + ".gz"
			}
		}

		data, err := c.eng.EncodeVolume(ctx, i, encodeAs)
		if err != nil {
			c.log.WithError(err).WithField("index", i).Error("Failed to encode volume")
			errs = append(errs, fmt.Errorf("encode volume %d: %w", i, err))
			continue
		}
		uploads = append(uploads, upload{index: i, filename: target, data: data})
	}
	return uploads, errors.Join(errs...)
}
