package frameloop

import (
	"time"

	"github.com/everydayanchovies/eink-vnc-go/internal/geom"
	"github.com/everydayanchovies/eink-vnc-go/internal/rfb"
	"github.com/sirupsen/logrus"
)

const frameBudget = 33 * time.Millisecond

// Driver is the subset of rfb.Client the frame loop needs: requesting
// updates and observing events. Defined as an interface so tests can
// substitute a fake pump without a real socket.
type Driver interface {
	Events() <-chan rfb.Event
	RequestFramebufferUpdate(incremental bool, x, y, width, height uint16) error
}

// Run drives one session to completion: drain events, classify and
// issue panel refreshes, re-arm the server's update stream, and repeat
// every 33ms until the pump reports disconnection. It returns nil on a
// clean disconnect and the terminal error otherwise.
func Run(driver Driver, sched *Scheduler, log logrus.FieldLogger) error {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	for {
		start := time.Now()

		disconnectErr, disconnected := drainEvents(driver, sched, log)
		sched.EndOfFrame(time.Now())
		if disconnected {
			return disconnectErr
		}

		elapsed := time.Since(start)
		if elapsed < frameBudget {
			time.Sleep(frameBudget - elapsed)
		} else {
			log.WithField("elapsed_ms", elapsed.Milliseconds()).Warn("frameloop: missed frame budget")
		}

		// Width/Height are read fresh each pass so a DesktopSize update
		// applied mid-session is reflected in the next re-arm request.
		if err := driver.RequestFramebufferUpdate(true, 0, 0, sched.Width(), sched.Height()); err != nil {
			return err
		}
	}
}

func drainEvents(driver Driver, sched *Scheduler, log logrus.FieldLogger) (error, bool) {
	events := driver.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, true
			}
			switch ev.Kind {
			case rfb.EventFramebufferUpdate:
				applyUpdate(sched, ev, log)
			case rfb.EventDisconnected:
				return ev.Err, true
			case rfb.EventServerCutText:
				log.WithField("text", ev.Text).Debug("frameloop: server clipboard update")
			case rfb.EventBell:
				log.Debug("frameloop: bell")
			}
		default:
			return nil, false
		}
	}
}

func applyUpdate(sched *Scheduler, ev rfb.Event, log logrus.FieldLogger) {
	for _, r := range ev.Rectangles {
		rect := geom.Rect{Left: r.X, Top: r.Y, Width: r.Width, Height: r.Height}
		switch {
		case r.IsDesktopSize:
			log.WithFields(logrus.Fields{"width": r.Width, "height": r.Height}).Info("frameloop: server resized desktop")
			sched.Resize(int(r.Width), int(r.Height))
			continue
		case r.IsCursor:
			log.WithFields(logrus.Fields{"width": r.Width, "height": r.Height, "hotspot_x": r.X, "hotspot_y": r.Y}).Debug("frameloop: cursor update")
			continue
		case r.BytesPerPixel == 0 && len(r.Pixels) == 4:
			srcX := uint16(r.Pixels[0])<<8 | uint16(r.Pixels[1])
			srcY := uint16(r.Pixels[2])<<8 | uint16(r.Pixels[3])
			sched.PaintCopyRect(rect, srcX, srcY)
		case len(r.Pixels) > 0:
			sched.PaintRaw(rect, r.Pixels, r.BytesPerPixel)
		}
		sched.MarkDirty(rect)
	}
}
