package session

import (
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"freebrowse/internal/models"
)

// indexOf resolves a stable volume id to its current engine index
func (c *Controller) indexOf(id string) (int, error) {
	idx := c.eng.VolumeIndexByID(id)
	if idx < 0 || idx >= len(c.images) {
		return -1, fmt.Errorf("%w: %s", ErrUnknownImage, id)
	}
	return idx, nil
}

// SelectImage makes the image at index the target of the display controls
func (c *Controller) SelectImage(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.images) {
		return fmt.Errorf("%w: index %d", ErrUnknownImage, index)
	}
	c.current = index
	return nil
}

// CurrentImageID returns the id of the selected image
func (c *Controller) CurrentImageID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == noSelection {
		return "", false
	}
	return c.images[c.current].ID, true
}

// ToggleVisibility hides a visible image and shows a hidden one. Showing restores
// the opacity the image had when it was hidden, or full opacity if it had none.
func (c *Controller) ToggleVisibility(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, err := c.indexOf(id)
	if err != nil {
		c.log.WithError(err).Warn("Cannot toggle visibility")
		return err
	}

	img := &c.images[idx]
	opacity := 0.0
	if img.Visible {
		c.hiddenAlpha[id] = img.Opacity
	} else {
		opacity = 1
		if prev, ok := c.hiddenAlpha[id]; ok && prev > 0 {
			opacity = prev
		}
		delete(c.hiddenAlpha, id)
	}

	c.eng.SetOpacity(idx, opacity)
	c.eng.UpdateGLVolume()
	img.Opacity = opacity
	img.Visible = opacity > 0
	return nil
}

// SetOpacity changes the opacity of an image, clamped to [0, 1]
func (c *Controller) SetOpacity(id string, opacity float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, err := c.indexOf(id)
	if err != nil {
		c.log.WithError(err).Warn("Cannot set opacity")
		return err
	}
	opacity = min(max(opacity, 0), 1)

	c.eng.SetOpacity(idx, opacity)
	c.scheduleRedraw()
	c.images[idx].Opacity = opacity
	c.images[idx].Visible = opacity > 0
	if opacity > 0 {
		delete(c.hiddenAlpha, id)
	}
	return nil
}

// SetContrastMin changes the lower display bound of an image
func (c *Controller) SetContrastMin(id string, value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, err := c.indexOf(id)
	if err != nil {
		c.log.WithError(err).Warn("Cannot set contrast")
		return err
	}
	c.eng.Volumes()[idx].SetCalMin(value)
	c.scheduleRedraw()
	c.images[idx].ContrastMin = value
	return nil
}

// SetContrastMax changes the upper display bound of an image
func (c *Controller) SetContrastMax(id string, value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, err := c.indexOf(id)
	if err != nil {
		c.log.WithError(err).Warn("Cannot set contrast")
		return err
	}
	c.eng.Volumes()[idx].SetCalMax(value)
	c.scheduleRedraw()
	c.images[idx].ContrastMax = value
	return nil
}

// SetColormap changes the colormap of an image. Setting the current colormap again
// does nothing.
func (c *Controller) SetColormap(id, colormap string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, err := c.indexOf(id)
	if err != nil {
		c.log.WithError(err).Warn("Cannot set colormap")
		return err
	}
	if c.images[idx].Colormap == colormap {
		return nil
	}
	c.eng.Volumes()[idx].SetColormap(colormap)
	c.scheduleRedraw()
	c.images[idx].Colormap = colormap
	return nil
}

// SetFrame moves every volume to the 4D frame nearest index
func (c *Controller) SetFrame(index float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeline.SetFrame(index)
}

// --- Viewer options ---

func (c *Controller) applyViewer() {
	c.adapter.ApplyViewerOptions(c.viewer)
}

// SetViewMode changes the slice layout
func (c *Controller) SetViewMode(mode models.ViewMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewer.ViewMode = mode
	c.applyViewer()
}

// SetCrosshairWidth changes the crosshair line width
func (c *Controller) SetCrosshairWidth(width float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewer.CrosshairWidth = max(width, 0)
	c.scheduleRedraw()
	c.applyViewer()
}

// SetCrosshairVisible shows or hides the crosshair
func (c *Controller) SetCrosshairVisible(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewer.CrosshairVisible = visible
	c.applyViewer()
}

// SetCrosshairColor changes the crosshair RGBA color
func (c *Controller) SetCrosshairColor(rgba [4]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewer.CrosshairColor = rgba
	c.applyViewer()
}

// SetCrosshairColorHex changes the crosshair color from a #rrggbb string, keeping
// the current alpha
func (c *Controller) SetCrosshairColorHex(hex string) error {
	rgb, err := parseHexColor(hex)
	if err != nil {
		c.log.WithError(err).Warn("Ignoring crosshair color")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewer.CrosshairColor = [4]float64{rgb[0], rgb[1], rgb[2], c.viewer.CrosshairColor[3]}
	c.applyViewer()
	return nil
}

func parseHexColor(hex string) ([3]float64, error) {
	s := strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(s) != 6 {
		return [3]float64{}, fmt.Errorf("invalid color %q", hex)
	}
	var rgb [3]float64
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseUint(s[2*i:2*i+2], 16, 8)
		if err != nil {
			return [3]float64{}, fmt.Errorf("invalid color %q: %w", hex, err)
		}
		rgb[i] = float64(v) / 255
	}
	return rgb, nil
}

// SetInterpolateVoxels switches between smooth and nearest neighbour sampling
func (c *Controller) SetInterpolateVoxels(interpolate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewer.InterpolateVoxels = interpolate
	c.applyViewer()
}

// SetDragMode changes what a pointer drag does
func (c *Controller) SetDragMode(mode models.DragMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewer.DragMode = mode
	c.applyViewer()
}

// SetOverlayOutlineWidth changes the outline drawn around overlay regions
func (c *Controller) SetOverlayOutlineWidth(width float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewer.OverlayOutlineWidth = max(width, 0)
	c.eng.SetOverlayOutlineWidth(c.viewer.OverlayOutlineWidth)
	c.scheduleRedraw()
	c.log.WithFields(log.Fields{"width": c.viewer.OverlayOutlineWidth}).Debug("Overlay outline changed")
}
