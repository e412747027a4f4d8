// Package framebuffer defines the panel capability the frame loop drives
// and a software implementation backed by image.Gray, modeled on the
// teacher's LockableImage/image.RGBA pixmap.
package framebuffer

import (
	"image"
	"image/color"
	"sync"

	"github.com/everydayanchovies/eink-vnc-go/internal/geom"
)

// RefreshMode is the panel's refresh strategy for one update, trading
// ghosting against latency.
type RefreshMode int

const (
	Full RefreshMode = iota
	Partial
	FastMono
)

func (m RefreshMode) String() string {
	switch m {
	case Full:
		return "full"
	case Partial:
		return "partial"
	case FastMono:
		return "fast-mono"
	default:
		return "unknown"
	}
}

// Framebuffer is the capability the frame loop consumes: a pixel
// surface that can be painted and refreshed in the panel's own modes.
// Implementations must accept any rect within device bounds; Update is
// best-effort — a driver failure must not terminate the session, so it
// swallows errors rather than returning them.
type Framebuffer interface {
	GetPixel(x, y int) color.Gray
	SetPixel(x, y int, c color.Gray)
	Update(rect geom.Rect, mode RefreshMode)
	SetRotation(rotation int8)
}

// Software is an in-memory Framebuffer backed by image.Gray, guarding
// its pixel buffer the same way the teacher's LockableImage guards an
// image.RGBA shared between the pump and the render path.
type Software struct {
	mu       sync.RWMutex
	img      *image.Gray
	rotation int8

	// UpdateFunc, if set, is invoked by Update for every refresh the
	// frame loop issues; tests substitute this to observe refresh
	// traffic without a real panel.
	UpdateFunc func(rect geom.Rect, mode RefreshMode)
}

// NewSoftware allocates a width x height grayscale framebuffer.
func NewSoftware(width, height int) *Software {
	return &Software{img: image.NewGray(image.Rect(0, 0, width, height))}
}

func (s *Software) GetPixel(x, y int) color.Gray {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.img.GrayAt(x, y)
}

func (s *Software) SetPixel(x, y int, c color.Gray) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.img.SetGray(x, y, c)
}

func (s *Software) Update(rect geom.Rect, mode RefreshMode) {
	if s.UpdateFunc == nil {
		return
	}
	defer func() {
		// A panel driver failure must not terminate the session.
		_ = recover()
	}()
	s.UpdateFunc(rect, mode)
}

func (s *Software) SetRotation(rotation int8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotation = rotation
}

// Bounds reports the framebuffer's full rectangle in geom.Rect form.
func (s *Software) Bounds() geom.Rect {
	b := s.img.Bounds()
	return geom.Rect{Left: 0, Top: 0, Width: uint16(b.Dx()), Height: uint16(b.Dy())}
}

// Resizable is implemented by Framebuffer backends whose backing
// storage can change dimensions in place, for a server-initiated
// DesktopSize update. It is not part of the core Framebuffer
// capability (spec.md §6 names only get_pixel/set_pixel/update/
// set_rotation), since not every backend can resize on demand.
type Resizable interface {
	Resize(width, height int)
}

// Resize reallocates the backing image at the new dimensions,
// discarding prior pixel contents the way a real panel's geometry
// change would.
func (s *Software) Resize(width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.img = image.NewGray(image.Rect(0, 0, width, height))
}
