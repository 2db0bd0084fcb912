// Package ui contains the three screens TinyOS presents -- home, terminal
// and file manager -- plus the soft keyboard overlay. Activities are
// stateful and driven by the main loop through a uniform contract.
package ui

import (
	"github.com/veighnsche/claudeos/internal/event"
	"github.com/veighnsche/claudeos/internal/fb"
	"github.com/veighnsche/claudeos/internal/mem"
	"github.com/veighnsche/claudeos/internal/netstack"
	"github.com/veighnsche/claudeos/internal/tinyfs"
)

// Context is the capability bundle handed to activities: the surface they
// draw on, the event ring they drain, and the services they may use. Net
// and FS are nil when the respective subsystem failed to initialize.
type Context struct {
	Surface  *fb.Surface
	Events   *event.Ring
	Net      *netstack.Stack
	FS       *tinyfs.FS
	Heap     *mem.Heap
	Keyboard *SoftKeyboard

	Uptime func() uint32 // ticks since boot
}

// ScaleTouch maps device-reported touch coordinates (0..32767) onto the
// surface.
func (c *Context) ScaleTouch(x, y int32) (int, int) {
	return int(x) * c.Surface.Width() / 32768,
		int(y) * c.Surface.Height() / 32768
}

// Activity is the contract each screen implements. Update consumes events
// and reports whether the screen needs redrawing; the main loop calls Draw
// and flushes when it does.
type Activity interface {
	Init(ctx *Context)
	Update(ctx *Context) bool
	Draw(ctx *Context)
	ShouldClose() bool
	ClearClose()
}

// pointInRect is the shared hit test.
func pointInRect(px, py, x, y, w, h int) bool {
	return px >= x && px < x+w && py >= y && py < y+h
}
