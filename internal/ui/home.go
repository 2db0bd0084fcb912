package ui

import (
	"fmt"

	"github.com/veighnsche/claudeos/internal/event"
	"github.com/veighnsche/claudeos/internal/fb"
)

const (
	homeBackground = 0x001A1A2E
	dockColor      = 0x0016213E
	iconRadius     = 52
	iconHitRadius  = 64

	logoText  = "ClaudeOS"
	logoScale = 4

	animPeriod = 100
)

// logoPalette cycles through the animated logo colors.
var logoPalette = []uint32{
	0x00E94560, 0x00F39C12, 0x00F1C40F, 0x002ECC71,
	0x003498DB, 0x009B59B6, 0x00E74C3C,
}

// Home is the launcher screen: animated logo, status line, and a dock with
// the terminal and files icons. Icon presses follow the DOWN-inside then
// UP-inside rule, canceled by a move outside.
type Home struct {
	needsRedraw bool

	animTick  int
	animFrame int

	terminalActive  bool
	filesActive     bool
	terminalPressed bool
	filesPressed    bool

	externalIP string
}

// NewHome creates the home screen.
func NewHome() *Home { return &Home{} }

func (h *Home) Init(ctx *Context) {
	h.needsRedraw = true
	h.terminalActive = false
	h.filesActive = false
}

// SetExternalIP records the address shown on the status line.
func (h *Home) SetExternalIP(ip string) {
	h.externalIP = ip
	h.needsRedraw = true
}

// TerminalPressed reports and keeps the one-shot terminal icon press; the
// main loop reads it and calls ClearPressed.
func (h *Home) TerminalPressed() bool { return h.terminalPressed }

// FilesPressed reports the one-shot files icon press.
func (h *Home) FilesPressed() bool { return h.filesPressed }

// ClearPressed resets both one-shot press flags.
func (h *Home) ClearPressed() {
	h.terminalPressed = false
	h.filesPressed = false
}

func (h *Home) iconCenters(ctx *Context) (tx, fx, cy int) {
	w := ctx.Surface.Width()
	hgt := ctx.Surface.Height()
	return w/2 - 100, w/2 + 100, hgt - 140
}

func (h *Home) inIcon(ctx *Context, px, py, cx int) bool {
	_, _, cy := h.iconCenters(ctx)
	dx, dy := px-cx, py-cy
	return dx*dx+dy*dy <= iconHitRadius*iconHitRadius
}

func (h *Home) Update(ctx *Context) bool {
	for {
		ev, ok := ctx.Events.Pop()
		if !ok {
			break
		}
		switch ev.Kind {
		case event.KindTouch:
			x, y := ctx.ScaleTouch(ev.X, ev.Y)
			tx, fx, _ := h.iconCenters(ctx)
			switch ev.Subtype {
			case event.TouchDown:
				if h.inIcon(ctx, x, y, tx) {
					h.terminalActive = true
					h.needsRedraw = true
				} else if h.inIcon(ctx, x, y, fx) {
					h.filesActive = true
					h.needsRedraw = true
				}
			case event.TouchUp:
				if h.terminalActive && h.inIcon(ctx, x, y, tx) {
					h.terminalPressed = true
				}
				if h.filesActive && h.inIcon(ctx, x, y, fx) {
					h.filesPressed = true
				}
				h.terminalActive = false
				h.filesActive = false
				h.needsRedraw = true
			case event.TouchMove:
				if h.terminalActive && !h.inIcon(ctx, x, y, tx) {
					h.terminalActive = false
					h.needsRedraw = true
				}
				if h.filesActive && !h.inIcon(ctx, x, y, fx) {
					h.filesActive = false
					h.needsRedraw = true
				}
			}
		case event.KindKey:
			// Enter or space opens the terminal from a hardware keyboard.
			if ev.Subtype == event.KeyPress && (ev.Code == KeyEnter || ev.Code == KeySpace) {
				h.terminalPressed = true
			}
		}
	}

	h.animTick++
	if h.animTick >= animPeriod {
		h.animTick = 0
		h.animFrame++
		return true
	}

	redraw := h.needsRedraw
	h.needsRedraw = false
	return redraw
}

func (h *Home) Draw(ctx *Context) {
	s := ctx.Surface
	s.Clear(homeBackground)

	// Logo: each character cycles through the palette, phase-shifted.
	logoW := len(logoText) * fb.FontWidth * logoScale
	logoX := (s.Width() - logoW) / 2
	logoY := s.Height() / 4
	for i := 0; i < len(logoText); i++ {
		color := logoPalette[(h.animFrame+i)%len(logoPalette)]
		s.DrawCharScaled(logoX+i*fb.FontWidth*logoScale, logoY, logoText[i], color, logoScale)
	}

	// Status line: our IP once configured, plus the fetched external one.
	status := "network: not configured"
	if ctx.Net != nil {
		if cfg := ctx.Net.Config(); cfg.Configured {
			status = "ip: " + cfg.IP.String()
			if h.externalIP != "" {
				status += "  ext: " + h.externalIP
			}
		} else {
			status = fmt.Sprintf("network: %v", cfg.DHCPState)
		}
	}
	s.DrawString((s.Width()-len(status)*fb.FontWidth)/2, logoY+fb.FontHeight*logoScale+24,
		status, 0x00AAAAAA)

	// Dock.
	tx, fx, cy := h.iconCenters(ctx)
	s.RoundedRect(40, cy-90, s.Width()-80, 180, 24, dockColor)

	h.drawIcon(s, tx, cy, 0x00E94560, h.terminalActive, ">_")
	h.drawIcon(s, fx, cy, 0x003498DB, h.filesActive, "[]")
}

func (h *Home) drawIcon(s *fb.Surface, cx, cy int, color uint32, active bool, label string) {
	if active {
		s.CircleRing(cx, cy, iconRadius, iconRadius+6, 0x00FFFFFF)
	}
	s.FillCircle(cx, cy, iconRadius, color)
	s.DrawString(cx-len(label)*fb.FontWidth/2, cy-fb.FontHeight/2, label, 0x00FFFFFF)
}

func (h *Home) ShouldClose() bool { return false }
func (h *Home) ClearClose()       {}
