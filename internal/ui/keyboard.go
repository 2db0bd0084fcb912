package ui

import (
	"github.com/veighnsche/claudeos/internal/event"
	"github.com/veighnsche/claudeos/internal/fb"
)

// Soft keyboard key actions for non-character keys.
const (
	KeyActionNone = iota
	KeyActionChar
	KeyActionBackspace
	KeyActionEnter
	KeyActionShift
)

// KeyPress is what a consumed keyboard touch produced.
type KeyPress struct {
	Action int
	Char   byte
}

const (
	kbRows      = 4
	kbCols      = 10
	kbRowHeight = 58
	kbPadding   = 2

	kbBackground = 0x00202028
	kbKeyColor   = 0x00404050
	kbKeyActive  = 0x00606078
	kbTextColor  = 0x00FFFFFF
)

var kbLayout = [kbRows]string{
	"1234567890",
	"qwertyuiop",
	"asdfghjkl;",
	"zxcvbnm,._",
}

var kbLayoutShift = [kbRows]string{
	"!@#$%^&*()",
	"QWERTYUIOP",
	"ASDFGHJKL:",
	"ZXCVBNM<>-",
}

// SoftKeyboard is the on-screen keyboard overlay. When visible it reserves
// the bottom region of the screen; activities ask it first whether a touch
// was consumed before doing their own hit testing.
type SoftKeyboard struct {
	visible bool
	shift   bool

	screenW int
	screenH int
}

// NewSoftKeyboard creates a keyboard sized for the given screen.
func NewSoftKeyboard(screenW, screenH int) *SoftKeyboard {
	return &SoftKeyboard{screenW: screenW, screenH: screenH}
}

// Show makes the overlay visible.
func (kb *SoftKeyboard) Show() { kb.visible = true }

// Hide removes the overlay and clears shift.
func (kb *SoftKeyboard) Hide() { kb.visible, kb.shift = false, false }

// Visible reports whether the overlay is shown.
func (kb *SoftKeyboard) Visible() bool { return kb.visible }

// Height returns the vertical space the overlay occupies when visible.
func (kb *SoftKeyboard) Height() int {
	return (kbRows + 1) * kbRowHeight
}

// Top returns the screen y where the overlay begins.
func (kb *SoftKeyboard) Top() int { return kb.screenH - kb.Height() }

func (kb *SoftKeyboard) keyWidth() int { return kb.screenW / kbCols }

// HandleTouch processes one touch event in screen coordinates. The first
// result reports whether the keyboard consumed the touch (the activity
// must then ignore it); the second carries any key produced.
func (kb *SoftKeyboard) HandleTouch(subtype uint8, x, y int) (bool, KeyPress) {
	if !kb.visible || y < kb.Top() {
		return false, KeyPress{}
	}
	if subtype != event.TouchDown {
		// Moves and lifts over the keyboard are swallowed but produce
		// nothing.
		return true, KeyPress{}
	}

	row := (y - kb.Top()) / kbRowHeight
	if row < kbRows {
		col := x / kb.keyWidth()
		if col >= kbCols {
			col = kbCols - 1
		}
		layout := kbLayout
		if kb.shift {
			layout = kbLayoutShift
		}
		ch := layout[row][col]
		if kb.shift && ch >= 'A' && ch <= 'Z' {
			kb.shift = false // shift auto-clears after one uppercase letter
		}
		return true, KeyPress{Action: KeyActionChar, Char: ch}
	}

	// Special row: shift, space, backspace, enter in four zones.
	zone := x * 4 / kb.screenW
	switch zone {
	case 0:
		kb.shift = !kb.shift
		return true, KeyPress{Action: KeyActionShift}
	case 1:
		return true, KeyPress{Action: KeyActionChar, Char: ' '}
	case 2:
		return true, KeyPress{Action: KeyActionBackspace}
	default:
		return true, KeyPress{Action: KeyActionEnter}
	}
}

// Draw paints the overlay.
func (kb *SoftKeyboard) Draw(s *fb.Surface) {
	if !kb.visible {
		return
	}
	top := kb.Top()
	s.FillRect(0, top, kb.screenW, kb.Height(), kbBackground)

	keyW := kb.keyWidth()
	layout := kbLayout
	if kb.shift {
		layout = kbLayoutShift
	}

	for row := 0; row < kbRows; row++ {
		for col := 0; col < kbCols; col++ {
			x := col * keyW
			y := top + row*kbRowHeight
			s.RoundedRect(x+kbPadding, y+kbPadding, keyW-2*kbPadding, kbRowHeight-2*kbPadding, 6, kbKeyColor)
			s.DrawChar(x+keyW/2-fb.FontWidth/2, y+kbRowHeight/2-fb.FontHeight/2,
				layout[row][col], kbTextColor)
		}
	}

	specialY := top + kbRows*kbRowHeight
	zoneW := kb.screenW / 4
	labels := [4]string{"shift", "space", "del", "enter"}
	for zone, label := range labels {
		color := uint32(kbKeyColor)
		if zone == 0 && kb.shift {
			color = kbKeyActive
		}
		x := zone * zoneW
		s.RoundedRect(x+kbPadding, specialY+kbPadding, zoneW-2*kbPadding, kbRowHeight-2*kbPadding, 6, color)
		s.DrawString(x+zoneW/2-len(label)*fb.FontWidth/2,
			specialY+kbRowHeight/2-fb.FontHeight/2, label, kbTextColor)
	}
}
