// Package timeline tracks the 4D frame shared by every loaded volume
package timeline

import (
	"math"

	"freebrowse/internal/models"
	"freebrowse/pkg/engine"
)

// Timeline derives the frame count from the engine and pushes frame changes to it
type Timeline struct {
	eng   engine.Engine
	state models.FrameTimeline
}

// New creates a timeline over eng with a single frame
func New(eng engine.Engine) *Timeline {
	return &Timeline{
		eng:   eng,
		state: models.FrameTimeline{TotalFrames: 1, CurrentFrame: 0},
	}
}

// State returns the current timeline
func (t *Timeline) State() models.FrameTimeline {
	return t.state
}

// Reset collapses the timeline to a single frame without touching the engine
func (t *Timeline) Reset() {
	t.state = models.FrameTimeline{TotalFrames: 1, CurrentFrame: 0}
}

// ResolveFrameCount returns the 4th dimension extent of v: the explicit frame count
// when positive, else dims[4] of the header, else 1
func ResolveFrameCount(v engine.Volume) int {
	if v == nil {
		return 1
	}
	if n := v.FrameCount(); n > 0 {
		return n
	}
	if hdr := v.Header(); hdr != nil && len(hdr.Dims) > 4 && hdr.Dims[4] > 0 {
		return hdr.Dims[4]
	}
	return 1
}

// Recompute re-derives the frame count after a structural change. The previous
// frame, or the one the engine reports, is clamped into range and pushed to every
// volume.
func (t *Timeline) Recompute() {
	total := 1
	for _, v := range t.eng.Volumes() {
		if n := ResolveFrameCount(v); n > total {
			total = n
		}
	}

	if total <= 1 {
		t.Reset()
		return
	}

	candidate := t.state.CurrentFrame
	if f, ok := t.eng.SceneFrame(); ok {
		candidate = f
	}
	frame := clamp(candidate, total-1)

	t.apply(frame)
	t.state = models.FrameTimeline{TotalFrames: total, CurrentFrame: frame}
}

// SetFrame moves to index, rounded and clamped. Requests that leave the frame
// unchanged do not touch the engine.
func (t *Timeline) SetFrame(index float64) {
	if t.state.TotalFrames <= 1 || math.IsNaN(index) {
		return
	}
	last := float64(t.state.TotalFrames - 1)
	frame := int(math.Max(0, math.Min(math.Round(index), last)))
	if frame == t.state.CurrentFrame {
		return
	}
	t.apply(frame)
	t.state.CurrentFrame = frame
}

func (t *Timeline) apply(frame int) {
	for _, v := range t.eng.Volumes() {
		t.eng.SetFrame4D(v.ID(), frame)
	}
	t.eng.SetSceneFrame(frame)
	t.eng.UpdateGLVolume()
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
