package app

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
)

// ExpirySubscriber is the subscription half of *expiry.Broadcaster.
type ExpirySubscriber interface {
	Subscribe(fn func(message string)) (unsubscribe func())
}

// Notice is the top-level expiry subscriber: it prints a toast and, after a
// delay, hands control to the sign-in flow through onRedirect.
//
// Concurrency:
//   - A second expiry while a redirect is pending restarts the timer.
//   - Close stops any pending redirect.
type Notice struct {
	w          io.Writer
	delay      time.Duration
	onRedirect func()
	paint      *color.Color

	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	closed bool
	off    func()
}

// NewNotice subscribes to src. A nil onRedirect only prints.
func NewNotice(src ExpirySubscriber, w io.Writer, delay time.Duration, onRedirect func()) *Notice {
	n := &Notice{
		w:          w,
		delay:      delay,
		onRedirect: onRedirect,
		paint:      color.New(color.FgHiWhite, color.BgRed, color.Bold),
	}
	n.off = src.Subscribe(n.show)
	return n
}

func (n *Notice) show(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	_, _ = fmt.Fprintln(n.w, n.paint.Sprintf(" ! %s ", message))

	if n.onRedirect == nil {
		return
	}
	if n.timer != nil {
		n.timer.Stop()
	}
	n.gen++
	gen := n.gen
	n.timer = time.AfterFunc(n.delay, func() { n.redirect(gen) })
}

// redirect fires only for the latest scheduled timer; a superseded timer
// that already started is a no-op.
func (n *Notice) redirect(gen uint64) {
	n.mu.Lock()
	if n.closed || n.timer == nil || n.gen != gen {
		n.mu.Unlock()
		return
	}
	n.timer = nil
	n.mu.Unlock()

	n.onRedirect()
}

// Pending reports whether a redirect is scheduled.
func (n *Notice) Pending() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.timer != nil
}

// Close unsubscribes and cancels a pending redirect.
func (n *Notice) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	off := n.off
	n.mu.Unlock()

	if off != nil {
		off()
	}
}
