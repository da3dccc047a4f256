package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"

	"freebrowse/internal/models"
	"freebrowse/pkg/document"
	"freebrowse/pkg/engine"
)

// Upload is a file handed to the viewer by the user
type Upload struct {
	Name string
	Data []byte
}

// IsDocument reports whether name is loaded as a document rather than a volume
func IsDocument(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".nvd") || strings.HasSuffix(lower, ".json")
}

// Init probes the backend, pushes the viewer options into the engine and loads the
// document named by the nvd query parameter, if any. A failed probe is logged and
// leaves the session in its defaults.
func (c *Controller) Init(ctx context.Context, query url.Values) error {
	if err := c.FetchConfig(ctx); err != nil {
		c.log.WithError(err).Warn("Failed to fetch backend config")
	}

	c.mu.Lock()
	c.adapter.ApplyViewerOptions(c.viewer)
	c.mu.Unlock()

	return c.LoadFromQuery(ctx, query)
}

// FetchConfig asks the backend whether it runs serverless and where to log out
func (c *Controller) FetchConfig(ctx context.Context) error {
	if c.client == nil {
		c.mu.Lock()
		c.configLoaded = true
		c.mu.Unlock()
		return nil
	}

	cfg, err := c.client.FetchConfig(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.configLoaded = true
	if err != nil {
		return err
	}
	c.serverless = cfg.Serverless
	c.logoutURL = nil
	if cfg.LogoutURL != nil && *cfg.LogoutURL != "" {
		u := *cfg.LogoutURL
		c.logoutURL = &u
	}
	c.log.WithFields(log.Fields{"serverless": c.serverless, "logoutUrl": cfg.LogoutURL}).Info("Backend config loaded")
	return nil
}

// LoadFromQuery loads the document referenced by the nvd parameter of query
func (c *Controller) LoadFromQuery(ctx context.Context, query url.Values) error {
	ref := query.Get("nvd")
	if ref == "" {
		return nil
	}
	item := models.FileItem{Filename: path.Base(strings.TrimRight(ref, "/")), URL: ref}
	c.log.WithField("url", ref).Info("Loading document from query")
	return c.LoadDocumentFile(ctx, item)
}

func (c *Controller) waitReady(ctx context.Context) error {
	err := engine.WaitReady(ctx, c.eng, c.cfg.Session.ReadyPollInterval, c.cfg.Session.ReadyPollAttempts)
	if err != nil {
		c.log.WithError(err).Error("Viewer is not ready")
	}
	return err
}

// LoadUploads loads files chosen by the user. When a document is among them it is
// loaded alone; if it fails to load the remaining files are added as volumes.
func (c *Controller) LoadUploads(ctx context.Context, files []Upload) error {
	if len(files) == 0 {
		return nil
	}
	if err := c.waitReady(ctx); err != nil {
		return err
	}

	var volumes []Upload
	var docErr error
	for _, f := range files {
		if !IsDocument(f.Name) {
			volumes = append(volumes, f)
			continue
		}
		if docErr != nil {
			continue
		}
		err := c.LoadDocumentData(ctx, f.Data, "")
		if err == nil {
			return nil
		}
		c.log.WithError(err).WithField("file", f.Name).Warn("Failed to load document, falling back to volumes")
		docErr = err
	}
	if len(volumes) == 0 {
		return docErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	added := 0
	for _, f := range volumes {
		v, err := c.eng.DecodeVolume(ctx, f.Data, engine.ImageOptions{Name: f.Name})
		if err != nil {
			c.log.WithError(err).WithField("file", f.Name).Error("Failed to load volume")
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
			continue
		}
		c.eng.AddVolume(v)
		added++
	}

	c.adapter.ApplyViewerOptions(c.viewer)
	c.rebuild()
	if c.current == noSelection && len(c.images) > 0 {
		c.current = 0
	}
	c.log.WithFields(log.Fields{"added": added, "failed": len(errs)}).Info("Uploads loaded")
	return errors.Join(errs...)
}

// LoadImagingFile adds the volume at item.URL and selects it
func (c *Controller) LoadImagingFile(ctx context.Context, item models.FileItem) error {
	if err := c.waitReady(ctx); err != nil {
		return err
	}

	ref := item.URL
	if c.client != nil {
		ref = c.client.Resolve(ref)
	}
	name := path.Base(item.Filename)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.eng.LoadVolumeFromURL(ctx, ref, name); err != nil {
		c.log.WithError(err).WithField("url", ref).Error("Failed to load imaging file")
		return err
	}
	c.adapter.ApplyViewerOptions(c.viewer)
	c.rebuild()
	c.current = len(c.images) - 1
	c.log.WithField("file", item.Filename).Info("Imaging file loaded")
	return nil
}

// LoadDocumentFile fetches the document at item.URL from the backend and loads it.
// Relative references inside the document resolve against its URL.
func (c *Controller) LoadDocumentFile(ctx context.Context, item models.FileItem) error {
	if c.client == nil {
		return ErrNoBackend
	}
	data, err := c.client.Fetch(ctx, item.URL)
	if err != nil {
		c.log.WithError(err).WithField("url", item.URL).Error("Failed to fetch document")
		return err
	}
	if err := c.waitReady(ctx); err != nil {
		return err
	}
	return c.LoadDocumentData(ctx, data, c.client.Resolve(item.URL))
}

// LoadDocumentData replaces the scene with the document in data. A document that
// does not parse leaves the session untouched.
func (c *Controller) LoadDocumentData(ctx context.Context, data []byte, base string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.codec.Load(ctx, data, base)
	var de *document.DecodeError
	if errors.As(err, &de) && de.Item < 0 {
		c.log.WithError(err).Error("Failed to load document")
		return err
	}

	c.images = nil
	c.current = noSelection
	c.removeOpen = false
	c.removeTarget = noSelection
	c.save = nil
	c.drawing.Reset()
	c.timeline.Reset()
	c.viewer = c.adapter.DeriveViewerOptions()
	c.rebuild()
	if len(c.images) > 0 {
		c.current = 0
	}

	if err != nil {
		c.log.WithError(err).Warn("Document loaded with errors")
	}
	return err
}
