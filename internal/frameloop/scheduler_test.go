package frameloop

import (
	"image/color"
	"testing"
	"time"

	"github.com/everydayanchovies/eink-vnc-go/internal/framebuffer"
	"github.com/everydayanchovies/eink-vnc-go/internal/geom"
	"github.com/everydayanchovies/eink-vnc-go/internal/postproc"
)

type recordedUpdate struct {
	rect geom.Rect
	mode framebuffer.RefreshMode
}

func newTestFramebuffer(width, height int) (*framebuffer.Software, *[]recordedUpdate) {
	fb := framebuffer.NewSoftware(width, height)
	var updates []recordedUpdate
	fb.UpdateFunc = func(rect geom.Rect, mode framebuffer.RefreshMode) {
		updates = append(updates, recordedUpdate{rect, mode})
	}
	return fb, &updates
}

func TestFirstDrawIsAlwaysFullRegardlessOfSize(t *testing.T) {
	fb, updates := newTestFramebuffer(800, 600)
	sched := NewScheduler(fb, 800, 600)

	sched.MarkDirty(geom.Rect{Left: 0, Top: 0, Width: 10, Height: 10})
	sched.EndOfFrame(time.Now())

	if len(*updates) != 1 || (*updates)[0].mode != framebuffer.Full {
		t.Fatalf("expected one Full update on first draw, got %+v", *updates)
	}
}

func TestSmallRectClassifiesFastMonoLargeClassifiesPartial(t *testing.T) {
	fb, updates := newTestFramebuffer(800, 600)
	sched := NewScheduler(fb, 800, 600)

	// Consume the first-draw exemption.
	sched.MarkDirty(geom.Rect{Left: 0, Top: 0, Width: 1, Height: 1})
	sched.EndOfFrame(time.Now())
	*updates = nil

	sched.MarkDirty(geom.Rect{Left: 0, Top: 0, Width: 50, Height: 50})
	sched.MarkDirty(geom.Rect{Left: 200, Top: 200, Width: 200, Height: 200})
	sched.EndOfFrame(time.Now())

	if len(*updates) != 2 {
		t.Fatalf("expected 2 updates, got %d: %+v", len(*updates), *updates)
	}
	modesByWidth := map[uint16]framebuffer.RefreshMode{}
	for _, u := range *updates {
		modesByWidth[u.rect.Width] = u.mode
	}
	if modesByWidth[50] != framebuffer.FastMono {
		t.Fatalf("50x50 rect classified %v, want FastMono", modesByWidth[50])
	}
	if modesByWidth[200] != framebuffer.Partial {
		t.Fatalf("200x200 rect classified %v, want Partial", modesByWidth[200])
	}
}

func TestWholeFramebufferRectClearsBothListsAndIssuesSingleUpdate(t *testing.T) {
	fb, updates := newTestFramebuffer(800, 600)
	sched := NewScheduler(fb, 800, 600)

	sched.MarkDirty(geom.Rect{Left: 0, Top: 0, Width: 1, Height: 1})
	sched.EndOfFrame(time.Now())
	*updates = nil

	full := geom.Rect{Left: 0, Top: 0, Width: 800, Height: 600}
	sched.MarkDirty(full)
	sched.EndOfFrame(time.Now())
	if len(*updates) != 1 || (*updates)[0].rect != full {
		t.Fatalf("expected single update for the whole framebuffer, got %+v", *updates)
	}

	*updates = nil
	sched.MarkDirty(geom.Rect{Left: 10, Top: 10, Width: 50, Height: 50})
	sched.EndOfFrame(time.Now())
	if len(*updates) != 1 {
		t.Fatalf("expected exactly one update after the whole-frame shortcut, got %+v", *updates)
	}
}

func TestIdleFullRefreshSweepsBacklogAfterQuiescence(t *testing.T) {
	fb, updates := newTestFramebuffer(800, 600)
	sched := NewScheduler(fb, 800, 600)

	start := time.Now()
	sched.MarkDirty(geom.Rect{Left: 0, Top: 0, Width: 50, Height: 50})
	sched.EndOfFrame(start)
	*updates = nil

	// No events for 3.1s: EndOfFrame is called with nothing pending.
	sched.EndOfFrame(start.Add(3100 * time.Millisecond))

	if len(*updates) != 1 || (*updates)[0].mode != framebuffer.Full {
		t.Fatalf("expected one Full idle-sweep update, got %+v", *updates)
	}

	*updates = nil
	sched.EndOfFrame(start.Add(4 * time.Second))
	if len(*updates) != 0 {
		t.Fatalf("expected no further updates once the backlog is empty, got %+v", *updates)
	}
}

func TestForcedFullRefreshAfterThresholdClearsCounterAndBacklog(t *testing.T) {
	fb, updates := newTestFramebuffer(800, 600)
	sched := NewScheduler(fb, 800, 600)

	now := time.Now()
	sched.MarkDirty(geom.Rect{Left: 0, Top: 0, Width: 10, Height: 10})
	sched.EndOfFrame(now) // first draw, exempt
	*updates = nil

	for i := 0; i < maxDirtyRefreshes+1; i++ {
		sched.MarkDirty(geom.Rect{Left: 0, Top: 0, Width: 10, Height: 10})
		now = now.Add(33 * time.Millisecond)
		sched.EndOfFrame(now)
	}

	if sched.dirtyUpdateCount != 0 {
		t.Fatalf("expected counter reset after forced refresh, got %d", sched.dirtyUpdateCount)
	}
}

func TestPaintRawAppliesLUTToGreenByte(t *testing.T) {
	fb := framebuffer.NewSoftware(4, 4)
	sched := NewScheduler(fb, 4, 4)
	var lut postproc.LUT
	for i := range lut {
		lut[i] = byte(255 - i)
	}
	sched.SetLUT(&lut)

	pixels := make([]byte, 2*2*4)
	for i := 0; i < 4; i++ {
		pixels[i*4+1] = 100 // green byte
	}
	sched.PaintRaw(geom.Rect{Left: 0, Top: 0, Width: 2, Height: 2}, pixels, 4)

	got := fb.GetPixel(0, 0)
	want := color.Gray{Y: 255 - 100}
	if got != want {
		t.Fatalf("pixel = %+v, want %+v", got, want)
	}
}

func TestPaintCopyRectCopiesSourcePixels(t *testing.T) {
	fb := framebuffer.NewSoftware(8, 8)
	sched := NewScheduler(fb, 8, 8)
	fb.SetPixel(0, 0, color.Gray{Y: 42})

	sched.PaintCopyRect(geom.Rect{Left: 4, Top: 4, Width: 1, Height: 1}, 0, 0)

	if got := fb.GetPixel(4, 4); got.Y != 42 {
		t.Fatalf("copied pixel = %+v, want Y=42", got)
	}
}
