// Package frameloop drives the panel: it turns FramebufferUpdate
// rectangles into panel refreshes, coalescing dirty regions and
// picking a refresh mode for each, then paces the re-arm requests that
// keep the VNC pull model flowing.
package frameloop

import (
	"image/color"
	"time"

	"github.com/everydayanchovies/eink-vnc-go/internal/framebuffer"
	"github.com/everydayanchovies/eink-vnc-go/internal/geom"
	"github.com/everydayanchovies/eink-vnc-go/internal/postproc"
)

// maxDirtyRefreshes is the forced-full-refresh threshold: after this
// many frames' worth of partial work, the backlog is flushed with one
// Full refresh per rect rather than left to accumulate ghosting.
const maxDirtyRefreshes = 500

// idleRefreshAfter is how long the frame loop waits with no new events
// before sweeping any backlog with a forced Full refresh.
const idleRefreshAfter = 3 * time.Second

// smallRectThreshold is the width/height below which a dirty rect
// qualifies for the cheaper FastMono refresh instead of Partial.
const smallRectThreshold = 100

// Scheduler owns both dirty-rect lists and the forced-refresh counter
// for one session; it is exclusive to the frame-loop goroutine.
type Scheduler struct {
	fb  framebuffer.Framebuffer
	lut *postproc.LUT

	pending           geom.DirtyList // accumulated since the last EndOfFrame
	sinceRefresh      geom.DirtyList // accumulated since the last forced-full sweep
	dirtyUpdateCount  int
	firstDraw         bool
	fullFramebufferRect geom.Rect
	lastDrawTime      time.Time
}

// NewScheduler builds a scheduler for a panel of the given dimensions.
func NewScheduler(fb framebuffer.Framebuffer, width, height int) *Scheduler {
	return &Scheduler{
		fb:                  fb,
		firstDraw:           true,
		fullFramebufferRect: geom.Rect{Left: 0, Top: 0, Width: uint16(width), Height: uint16(height)},
	}
}

// SetLUT installs the post-processing table PaintRaw applies to each
// pixel before writing it into the framebuffer.
func (s *Scheduler) SetLUT(lut *postproc.LUT) { s.lut = lut }

// LUT returns the currently installed post-processing table, or nil if
// none has been set.
func (s *Scheduler) LUT() *postproc.LUT { return s.lut }

// MarkDirty records that rect changed this frame. If rect is exactly
// the whole framebuffer, both dirty lists and the forced-refresh counter
// are cleared first: the next EndOfFrame will then see only this rect
// and classify it as Full.
func (s *Scheduler) MarkDirty(rect geom.Rect) {
	if rect == s.fullFramebufferRect {
		s.pending.Clear()
		s.sinceRefresh.Clear()
		s.dirtyUpdateCount = 0
		s.firstDraw = true
	}
	s.pending.Absorb(rect)
}

// EndOfFrame classifies and issues panel refreshes for everything
// accumulated since the previous call, then clears the per-frame list.
// now is passed in by the caller so tests can drive the idle-refresh
// logic deterministically.
func (s *Scheduler) EndOfFrame(now time.Time) {
	rects := s.pending.Rects()
	s.pending.Clear()

	if len(rects) == 0 {
		s.maybeIdleRefresh(now)
		return
	}

	if s.firstDraw {
		for _, r := range rects {
			s.fb.Update(r, framebuffer.Full)
			s.sinceRefresh.Absorb(r)
		}
		s.firstDraw = false
		s.lastDrawTime = now
		return
	}

	s.dirtyUpdateCount++
	if s.dirtyUpdateCount > maxDirtyRefreshes {
		for _, r := range rects {
			s.sinceRefresh.Absorb(r)
		}
		s.flushFull()
		s.lastDrawTime = now
		return
	}

	for _, r := range rects {
		mode := framebuffer.Partial
		if r.Width < smallRectThreshold && r.Height < smallRectThreshold {
			mode = framebuffer.FastMono
		}
		s.fb.Update(r, mode)
		s.sinceRefresh.Absorb(r)
	}
	s.lastDrawTime = now
}

func (s *Scheduler) maybeIdleRefresh(now time.Time) {
	if s.sinceRefresh.Len() == 0 {
		return
	}
	if s.lastDrawTime.IsZero() || now.Sub(s.lastDrawTime) <= idleRefreshAfter {
		return
	}
	s.flushFull()
	s.lastDrawTime = now
}

// PaintRaw writes a raw/ZRLE-decoded true-colour rectangle into the
// framebuffer. Per the post-processing convention, the table is
// indexed by the green byte of each 4-byte pixel (the server is
// assumed BGRA little-endian 32bpp); if no LUT is installed the byte
// is used unmodified.
func (s *Scheduler) PaintRaw(rect geom.Rect, pixels []byte, bpp int) {
	if bpp != 4 {
		return
	}
	lut := s.lut
	i := 0
	for y := 0; y < int(rect.Height); y++ {
		for x := 0; x < int(rect.Width); x++ {
			green := pixels[i+1]
			if lut != nil {
				green = lut[green]
			}
			s.fb.SetPixel(int(rect.Left)+x, int(rect.Top)+y, color.Gray{Y: green})
			i += bpp
		}
	}
}

// PaintCopyRect realizes a CopyRect rectangle by reading the source
// region out of the framebuffer and writing it at the destination; both
// regions are the same size, so this is a direct pixel-for-pixel copy.
func (s *Scheduler) PaintCopyRect(dst geom.Rect, srcX, srcY uint16) {
	for y := 0; y < int(dst.Height); y++ {
		for x := 0; x < int(dst.Width); x++ {
			px := s.fb.GetPixel(int(srcX)+x, int(srcY)+y)
			s.fb.SetPixel(int(dst.Left)+x, int(dst.Top)+y, px)
		}
	}
}

// Width and Height report the scheduler's current notion of the
// framebuffer's dimensions, which Resize updates on a server-initiated
// DesktopSize event.
func (s *Scheduler) Width() uint16  { return s.fullFramebufferRect.Width }
func (s *Scheduler) Height() uint16 { return s.fullFramebufferRect.Height }

// Resize updates the framebuffer's geometry in response to a
// server-initiated DesktopSize update, resizing the backing store if
// it supports it. Both dirty lists are cleared: every rect they held
// was measured against the old geometry and no longer means anything
// against the new one.
func (s *Scheduler) Resize(width, height int) {
	if r, ok := s.fb.(framebuffer.Resizable); ok {
		r.Resize(width, height)
	}
	s.fullFramebufferRect = geom.Rect{Left: 0, Top: 0, Width: uint16(width), Height: uint16(height)}
	s.pending.Clear()
	s.sinceRefresh.Clear()
	s.dirtyUpdateCount = 0
	s.firstDraw = true
}

func (s *Scheduler) flushFull() {
	for _, r := range s.sinceRefresh.Rects() {
		s.fb.Update(r, framebuffer.Full)
	}
	s.sinceRefresh.Clear()
	s.dirtyUpdateCount = 0
}
