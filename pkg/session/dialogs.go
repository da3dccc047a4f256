package session

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"freebrowse/internal/models"
	"freebrowse/pkg/document"
)

// --- Save dialog ---

// OpenSaveDialog opens the save dialog with nothing selected and one row per loaded
// volume. Volumes loaded from another host are flagged external.
func (c *Controller) OpenSaveDialog(download bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vols := c.eng.Volumes()
	state := &models.SaveState{
		IsDownloadMode: download,
		Document:       models.SaveDocumentState{},
		Volumes:        make([]models.SaveVolumeState, len(vols)),
	}
	for i, v := range vols {
		state.Volumes[i] = models.SaveVolumeState{
			IsExternal: strings.HasPrefix(v.URL(), "http"),
			URL:        v.URL(),
		}
	}
	c.save = state
}

func (c *Controller) saveRow(index int) (*models.SaveVolumeState, error) {
	if c.save == nil {
		return nil, ErrDialogClosed
	}
	if index < 0 || index >= len(c.save.Volumes) {
		return nil, fmt.Errorf("%w: index %d", ErrUnknownImage, index)
	}
	return &c.save.Volumes[index], nil
}

// SetSaveVolumeURL changes where one volume is written
func (c *Controller) SetSaveVolumeURL(index int, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	row, err := c.saveRow(index)
	if err != nil {
		return err
	}
	row.URL = url
	return nil
}

// SetSaveVolumeEnabled includes or excludes one volume. Including an external
// volume clears its URL so a local location has to be chosen.
func (c *Controller) SetSaveVolumeEnabled(index int, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	row, err := c.saveRow(index)
	if err != nil {
		return err
	}
	row.Enabled = enabled
	if enabled && row.IsExternal {
		row.URL = ""
	}
	return nil
}

// SetSaveDocumentLocation changes where the document is written
func (c *Controller) SetSaveDocumentLocation(location string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.save == nil {
		return ErrDialogClosed
	}
	c.save.Document.Location = location
	return nil
}

// SetSaveDocumentEnabled includes or excludes the document
func (c *Controller) SetSaveDocumentEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.save == nil {
		return ErrDialogClosed
	}
	c.save.Document.Enabled = enabled
	return nil
}

// CancelSave closes the save dialog without writing anything
func (c *Controller) CancelSave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.save = nil
}

// ConfirmSave writes what the dialog selects, to the download directory or to the
// backend. The dialog is closed whatever the outcome.
func (c *Controller) ConfirmSave(ctx context.Context) error {
	c.mu.Lock()
	if c.save == nil {
		c.mu.Unlock()
		return ErrDialogClosed
	}
	state := *c.save
	state.Volumes = append([]models.SaveVolumeState{}, c.save.Volumes...)
	c.save = nil

	if !state.AnyEnabled() {
		c.mu.Unlock()
		c.log.Debug("Nothing to save")
		return nil
	}

	var sink document.Sink = c.downloads
	if !state.IsDownloadMode {
		if c.client == nil {
			c.mu.Unlock()
			return ErrNoBackend
		}
		sink = c.client
	}
	batch := c.codec.Prepare(ctx, state)
	c.mu.Unlock()

	if batch.Empty() {
		c.log.Warn("No part of the scene could be prepared")
	}
	err := batch.Write(ctx, sink)
	if err != nil {
		c.log.WithError(err).Error("Save finished with errors")
		return err
	}
	c.log.WithField("download", state.IsDownloadMode).Info("Save complete")
	return nil
}

// --- Remove dialog ---

// SetSkipRemoveConfirmation controls whether removals ask for confirmation
func (c *Controller) SetSkipRemoveConfirmation(skip bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipConfirm = skip
}

// RequestRemove starts removing the image at index, asking for confirmation unless
// the user turned that off
func (c *Controller) RequestRemove(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.images) {
		return fmt.Errorf("%w: index %d", ErrUnknownImage, index)
	}
	if c.skipConfirm {
		return c.removeVolume(c.images[index].ID)
	}
	c.removeTarget = index
	c.removeOpen = true
	return nil
}

// ConfirmRemove removes the image the dialog was opened for and closes it
func (c *Controller) ConfirmRemove() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.removeOpen {
		return ErrDialogClosed
	}
	target := c.removeTarget
	c.removeOpen = false
	c.removeTarget = noSelection
	if target < 0 || target >= len(c.images) {
		return fmt.Errorf("%w: index %d", ErrUnknownImage, target)
	}
	return c.removeVolume(c.images[target].ID)
}

// CancelRemove closes the remove dialog
func (c *Controller) CancelRemove() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeOpen = false
	c.removeTarget = noSelection
}

// RemoveVolume removes the image with id and moves the selection so it stays on a
// loaded image
func (c *Controller) RemoveVolume(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeVolume(id)
}

func (c *Controller) removeVolume(id string) error {
	idx, err := c.indexOf(id)
	if err != nil {
		c.log.WithError(err).Warn("Cannot remove volume")
		return err
	}

	prev := c.current
	c.eng.RemoveVolumeByIndex(idx)
	c.rebuild()
	c.current = retarget(prev, idx, len(c.images))

	c.log.WithFields(log.Fields{"id": id, "index": idx, "remaining": len(c.images)}).Info("Volume removed")
	return nil
}

// retarget returns the selection after removing index removed from a list that now
// holds remaining items
func retarget(current, removed, remaining int) int {
	switch {
	case current == noSelection:
		return noSelection
	case current == removed:
		if removed > 0 {
			return removed - 1
		}
		if remaining > 0 {
			return 0
		}
		return noSelection
	case current > removed:
		return current - 1
	default:
		return current
	}
}
