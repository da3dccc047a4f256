package session

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"freebrowse/internal/models"
	"freebrowse/pkg/drawing"
	"freebrowse/pkg/engine"
)

// SetDrawMode switches the annotation tool
func (c *Controller) SetDrawMode(mode models.DrawMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drawing.SetMode(mode)
	c.log.WithField("mode", c.drawing.Mode().Tag()).Debug("Draw mode changed")
}

// SetPenValue changes the label painted by the pen and the wand
func (c *Controller) SetPenValue(value int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drawing.SetPenValue(value)
}

// SetPenFill toggles filling closed pen strokes
func (c *Controller) SetPenFill(fill bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drawing.SetPenFill(fill)
}

// SetPenErases toggles erasing with the pen
func (c *Controller) SetPenErases(erases bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drawing.SetPenErases(erases)
}

// SetDrawingOpacity changes the opacity of the drawing layer
func (c *Controller) SetDrawingOpacity(opacity float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drawing.SetOpacity(min(max(opacity, 0), 1))
	c.scheduleRedraw()
}

// SetDrawingFilename changes the name given to a saved drawing
func (c *Controller) SetDrawingFilename(filename string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drawing.SetFilename(filename)
}

// SetMagicWand2DOnly restricts the wand to the current slice
func (c *Controller) SetMagicWand2DOnly(only bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drawing.SetWand2DOnly(only)
}

// SetMagicWandMaxDistance bounds how far the wand grows, in millimetres
func (c *Controller) SetMagicWandMaxDistance(mm float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drawing.SetWandMaxDistance(mm)
}

// SetMagicWandThreshold changes the intensity tolerance of the wand
func (c *Controller) SetMagicWandThreshold(percent float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drawing.SetWandThreshold(percent)
}

// DrawUndo reverts the last stroke
func (c *Controller) DrawUndo() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drawing.Undo()
}

// CreateDrawingLayer opens an empty drawing layer over the background volume
func (c *Controller) CreateDrawingLayer() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.images) == 0 {
		return fmt.Errorf("%w: nothing to draw on", ErrUnknownImage)
	}
	c.drawing.CreateLayer()
	c.log.Info("Drawing layer created")
	return nil
}

// SaveDrawing turns the drawing layer into a volume and selects it
func (c *Controller) SaveDrawing(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.drawing.Save(ctx)
	if err != nil {
		c.log.WithError(err).Error("Failed to save drawing")
		return err
	}
	c.rebuild()
	c.current = len(c.images) - 1
	c.log.WithField("name", v.Name()).Info("Drawing saved as volume")
	return nil
}

// CanEditVolume reports whether the image at index shares the background grid and
// can be opened as a drawing layer
func (c *Controller) CanEditVolume(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canEdit(index)
}

func (c *Controller) canEdit(index int) bool {
	vols := c.eng.Volumes()
	if index < 0 || index >= len(vols) {
		return false
	}
	return drawing.CanEditVolume(vols[index], c.eng.Background())
}

// EditVolume opens the image at index as the drawing layer so it can be painted on
func (c *Controller) EditVolume(ctx context.Context, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.canEdit(index) {
		return fmt.Errorf("%w: index %d cannot be edited", ErrUnknownImage, index)
	}

	name := c.images[index].Name + "-drawing"
	data, err := c.eng.EncodeVolume(ctx, index, name+".nii")
	if err != nil {
		c.log.WithError(err).Error("Failed to encode volume for editing")
		return fmt.Errorf("encode volume: %w", err)
	}
	layer, err := c.eng.DecodeVolume(ctx, data, engine.ImageOptions{Name: name})
	if err != nil {
		c.log.WithError(err).Error("Failed to decode volume for editing")
		return fmt.Errorf("decode volume: %w", err)
	}
	if !c.eng.LoadDrawing(layer) {
		err := fmt.Errorf("volume %q does not fit the background", name)
		c.log.WithError(err).Error("Failed to open drawing layer")
		return err
	}

	c.drawing.CreateLayer()
	c.log.WithFields(log.Fields{"index": index, "name": name}).Info("Editing volume")
	return nil
}
