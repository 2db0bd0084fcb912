package ui

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veighnsche/claudeos/internal/event"
	"github.com/veighnsche/claudeos/internal/fb"
	"github.com/veighnsche/claudeos/internal/hw"
	"github.com/veighnsche/claudeos/internal/mem"
	"github.com/veighnsche/claudeos/internal/tinyfs"
)

const (
	testW = 720
	testH = 1280
)

type memDisk struct{ data []byte }

func (d *memDisk) Capacity() uint64 { return uint64(len(d.data) / tinyfs.SectorSize) }
func (d *memDisk) Flush() error     { return nil }

func (d *memDisk) ReadSectors(sector uint64, count uint32, buf []byte) error {
	start := sector * tinyfs.SectorSize
	end := start + uint64(count)*tinyfs.SectorSize
	if end > uint64(len(d.data)) {
		return errors.New("out of range")
	}
	copy(buf, d.data[start:end])
	return nil
}

func (d *memDisk) WriteSectors(sector uint64, count uint32, buf []byte) error {
	start := sector * tinyfs.SectorSize
	end := start + uint64(count)*tinyfs.SectorSize
	if end > uint64(len(d.data)) {
		return errors.New("out of range")
	}
	copy(d.data[start:end], buf)
	return nil
}

func newTestContext(t *testing.T) *Context {
	t.Helper()
	ram := hw.NewMemory(0x4000_0000, 1<<20)
	fsys := tinyfs.New(&memDisk{data: make([]byte, 1024*tinyfs.SectorSize)})
	require.NoError(t, fsys.Format())

	return &Context{
		Surface:  fb.NewSurface(make([]byte, testW*testH*4), testW, testH),
		Events:   event.NewRing(),
		FS:       fsys,
		Heap:     mem.New(ram, 0x4000_0000, 0x4000_0000+1<<20),
		Keyboard: NewSoftKeyboard(testW, testH),
		Uptime:   func() uint32 { return 42 },
	}
}

// deviceCoord converts a screen coordinate back to the 0..32767 device
// space that events carry.
func deviceCoord(v, span int) int32 {
	return int32((v*32768 + span - 1) / span)
}

func pushTouch(ctx *Context, subtype uint8, x, y int) {
	ctx.Events.PushTouch(0, subtype, deviceCoord(x, testW), deviceCoord(y, testH))
}

////////////////////////////////////////////////////////////////////////////////
// Keymap.
////////////////////////////////////////////////////////////////////////////////

func TestKeycodeToChar(t *testing.T) {
	assert.Equal(t, byte('a'), KeycodeToChar(30, false))
	assert.Equal(t, byte('A'), KeycodeToChar(30, true))
	assert.Equal(t, byte('1'), KeycodeToChar(2, false))
	assert.Equal(t, byte('!'), KeycodeToChar(2, true))
	assert.Equal(t, byte(' '), KeycodeToChar(KeySpace, false))
	assert.Equal(t, byte(0), KeycodeToChar(KeyEnter, false))
	assert.Equal(t, byte(0), KeycodeToChar(KeyUp, true))
}

////////////////////////////////////////////////////////////////////////////////
// Soft keyboard.
////////////////////////////////////////////////////////////////////////////////

func TestKeyboardConsumesOnlyWhenVisible(t *testing.T) {
	kb := NewSoftKeyboard(testW, testH)

	consumed, _ := kb.HandleTouch(event.TouchDown, 10, testH-10)
	assert.False(t, consumed, "hidden keyboard must not consume")

	kb.Show()
	consumed, _ = kb.HandleTouch(event.TouchDown, 10, kb.Top()-10)
	assert.False(t, consumed, "touch above the overlay is not the keyboard's")

	consumed, key := kb.HandleTouch(event.TouchDown, 10, kb.Top()+10)
	assert.True(t, consumed)
	assert.Equal(t, KeyActionChar, key.Action)
	assert.Equal(t, byte('1'), key.Char, "top-left key of the first row")
}

func TestKeyboardShiftAutoClears(t *testing.T) {
	kb := NewSoftKeyboard(testW, testH)
	kb.Show()

	// Shift zone is the first quarter of the special row.
	specialY := kb.Top() + kbRows*kbRowHeight + 10
	consumed, key := kb.HandleTouch(event.TouchDown, 10, specialY)
	require.True(t, consumed)
	assert.Equal(t, KeyActionShift, key.Action)

	// Second row, first key: q -> Q, and shift clears.
	qY := kb.Top() + kbRowHeight + 10
	_, key = kb.HandleTouch(event.TouchDown, 10, qY)
	assert.Equal(t, byte('Q'), key.Char)

	_, key = kb.HandleTouch(event.TouchDown, 10, qY)
	assert.Equal(t, byte('q'), key.Char, "shift must auto-clear after one uppercase letter")
}

func TestKeyboardSpecialRow(t *testing.T) {
	kb := NewSoftKeyboard(testW, testH)
	kb.Show()
	y := kb.Top() + kbRows*kbRowHeight + 10

	_, key := kb.HandleTouch(event.TouchDown, testW/4+10, y)
	assert.Equal(t, KeyActionChar, key.Action)
	assert.Equal(t, byte(' '), key.Char)

	_, key = kb.HandleTouch(event.TouchDown, testW/2+10, y)
	assert.Equal(t, KeyActionBackspace, key.Action)

	_, key = kb.HandleTouch(event.TouchDown, testW-10, y)
	assert.Equal(t, KeyActionEnter, key.Action)
}

////////////////////////////////////////////////////////////////////////////////
// Home.
////////////////////////////////////////////////////////////////////////////////

func TestHomeIconPressDownUpInside(t *testing.T) {
	ctx := newTestContext(t)
	h := NewHome()
	h.Init(ctx)

	tx, _, cy := h.iconCenters(ctx)
	pushTouch(ctx, event.TouchDown, tx, cy)
	pushTouch(ctx, event.TouchUp, tx, cy)
	h.Update(ctx)

	assert.True(t, h.TerminalPressed())
	assert.False(t, h.FilesPressed())
	h.ClearPressed()
	assert.False(t, h.TerminalPressed())
}

func TestHomeIconPressCancelledByMoveOutside(t *testing.T) {
	ctx := newTestContext(t)
	h := NewHome()
	h.Init(ctx)

	tx, _, cy := h.iconCenters(ctx)
	pushTouch(ctx, event.TouchDown, tx, cy)
	pushTouch(ctx, event.TouchMove, 10, 10) // far outside
	pushTouch(ctx, event.TouchUp, tx, cy)
	h.Update(ctx)

	assert.False(t, h.TerminalPressed(), "move outside must cancel the press")
}

func TestHomeUpOutsideDoesNotPress(t *testing.T) {
	ctx := newTestContext(t)
	h := NewHome()
	h.Init(ctx)

	tx, _, cy := h.iconCenters(ctx)
	pushTouch(ctx, event.TouchDown, tx, cy)
	pushTouch(ctx, event.TouchUp, 10, 10)
	h.Update(ctx)
	assert.False(t, h.TerminalPressed())
}

func TestHomeAnimationRequestsRedraw(t *testing.T) {
	ctx := newTestContext(t)
	h := NewHome()
	h.Init(ctx)
	h.Update(ctx) // consumes the initial needsRedraw

	redraws := 0
	for i := 0; i < animPeriod; i++ {
		if h.Update(ctx) {
			redraws++
		}
	}
	assert.Equal(t, 1, redraws, "one animation frame per period")
}

////////////////////////////////////////////////////////////////////////////////
// Terminal.
////////////////////////////////////////////////////////////////////////////////

// typeLine places a command in the input line and executes it.
func typeLine(ctx *Context, term *Terminal, line string) {
	term.cmd = append(term.cmd[:0], line...)
	term.execute(ctx)
}

func (t *Terminal) lastLines(n int) []string {
	if n > t.count {
		n = t.count
	}
	out := make([]string, 0, n)
	for i := t.count - n; i < t.count; i++ {
		idx := (t.head - t.count + i + termHistory) % termHistory
		out = append(out, t.lines[idx])
	}
	return out
}

func terminalOutput(term *Terminal) string {
	return strings.Join(term.lastLines(termHistory), "\n")
}

func TestTerminalEcho(t *testing.T) {
	ctx := newTestContext(t)
	term := NewTerminal()
	term.Init(ctx)

	typeLine(ctx, term, "echo hello world")
	lines := term.lastLines(2)
	assert.Equal(t, "> echo hello world", lines[0])
	assert.Equal(t, "hello world", lines[1])
}

func TestTerminalUnknownCommand(t *testing.T) {
	ctx := newTestContext(t)
	term := NewTerminal()
	term.Init(ctx)
	typeLine(ctx, term, "frobnicate")
	assert.Contains(t, terminalOutput(term), "Unknown command: frobnicate")
}

func TestTerminalCloseCommand(t *testing.T) {
	ctx := newTestContext(t)
	term := NewTerminal()
	term.Init(ctx)
	typeLine(ctx, term, "close")
	assert.True(t, term.ShouldClose())
	term.ClearClose()
	assert.False(t, term.ShouldClose())
}

func TestTerminalFilesystemCommands(t *testing.T) {
	ctx := newTestContext(t)
	term := NewTerminal()
	term.Init(ctx)

	typeLine(ctx, term, "write notes.txt remember the milk")
	assert.Contains(t, terminalOutput(term), "Wrote 17 bytes")

	typeLine(ctx, term, "ls")
	assert.Contains(t, terminalOutput(term), "notes.txt")

	typeLine(ctx, term, "cat notes.txt")
	assert.Contains(t, terminalOutput(term), "remember the milk")

	typeLine(ctx, term, "rm notes.txt")
	typeLine(ctx, term, "ls")
	assert.Contains(t, terminalOutput(term), "(empty)")

	typeLine(ctx, term, "cat notes.txt")
	assert.Contains(t, terminalOutput(term), "Cannot open: notes.txt")
}

func TestTerminalHeapCommand(t *testing.T) {
	ctx := newTestContext(t)
	term := NewTerminal()
	term.Init(ctx)
	typeLine(ctx, term, "heap")
	out := terminalOutput(term)
	assert.Contains(t, out, "Heap Statistics:")
	assert.Contains(t, out, "Free:")
}

func TestTerminalCalc(t *testing.T) {
	ctx := newTestContext(t)
	term := NewTerminal()
	term.Init(ctx)

	typeLine(ctx, term, "calc 6 * 7")
	assert.Contains(t, terminalOutput(term), "= 42")
	typeLine(ctx, term, "calc 1 / 0")
	assert.Contains(t, terminalOutput(term), "Division by zero")
}

func TestTerminalKeyInput(t *testing.T) {
	ctx := newTestContext(t)
	term := NewTerminal()
	term.Init(ctx)

	// Type "echo Hi" with a shifted H, then a stray backspace fix.
	press := func(code uint16) {
		ctx.Events.PushKey(code, true)
		ctx.Events.PushKey(code, false)
	}
	for _, c := range []uint16{18, 46, 35, 24, KeySpace} { // e c h o ' '
		press(c)
	}
	ctx.Events.PushKey(KeyLeftShift, true)
	press(35) // H
	ctx.Events.PushKey(KeyLeftShift, false)
	press(23) // i
	press(24) // o (typo)
	press(KeyBackspace)
	press(KeyEnter)
	term.Update(ctx)

	assert.Contains(t, terminalOutput(term), "Hi")
}

func TestTerminalScrollClamps(t *testing.T) {
	ctx := newTestContext(t)
	term := NewTerminal()
	term.Init(ctx)
	for i := 0; i < 50; i++ {
		term.printf("line %d", i)
	}

	term.scrollDown(5)
	assert.Equal(t, 0, term.scrollOffset)
	term.scrollUp(10000)
	assert.Equal(t, term.count-1, term.scrollOffset)
}

func TestTerminalStripsEscapeSequences(t *testing.T) {
	ctx := newTestContext(t)
	term := NewTerminal()
	term.Init(ctx)
	term.println("\x1b[31mred\x1b[0m text")
	lines := term.lastLines(1)
	assert.Equal(t, "red text", lines[0])
}

////////////////////////////////////////////////////////////////////////////////
// File manager.
////////////////////////////////////////////////////////////////////////////////

func fsWrite(t *testing.T, ctx *Context, name, content string) {
	t.Helper()
	fd, err := ctx.FS.Open(name, tinyfs.OWrite|tinyfs.OCreate|tinyfs.OTrunc)
	require.NoError(t, err)
	_, err = ctx.FS.Write(fd, []byte(content))
	require.NoError(t, err)
	require.NoError(t, ctx.FS.Close(fd))
}

func fsRead(t *testing.T, ctx *Context, name string) string {
	t.Helper()
	fd, err := ctx.FS.Open(name, tinyfs.ORead)
	require.NoError(t, err)
	defer ctx.FS.Close(fd)
	buf := make([]byte, 4096)
	n, err := ctx.FS.Read(fd, buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestFileManagerListsEntries(t *testing.T) {
	ctx := newTestContext(t)
	fsWrite(t, ctx, "alpha", "1")
	fsWrite(t, ctx, "beta", "22")

	f := NewFileManager()
	f.Init(ctx)
	require.Len(t, f.entries, 2)
	assert.Equal(t, "alpha", f.entries[0].Name)
	assert.Equal(t, "beta", f.entries[1].Name)
}

func TestFileManagerKeyboardSelectionAndView(t *testing.T) {
	ctx := newTestContext(t)
	fsWrite(t, ctx, "one", "first file")
	fsWrite(t, ctx, "two", "second file")

	f := NewFileManager()
	f.Init(ctx)

	ctx.Events.PushKey(KeyDown, true)
	f.Update(ctx)
	assert.Equal(t, 1, f.selected)

	ctx.Events.PushKey(KeyEnter, true)
	f.Update(ctx)
	assert.Equal(t, fmView, f.mode)
	assert.Equal(t, []string{"second file"}, f.viewLines)

	ctx.Events.PushKey(KeyEsc, true)
	f.Update(ctx)
	assert.Equal(t, fmList, f.mode)
}

func TestFileManagerEditAndSave(t *testing.T) {
	ctx := newTestContext(t)
	fsWrite(t, ctx, "doc", "hello")

	f := NewFileManager()
	f.Init(ctx)
	f.openEdit(ctx)
	require.Equal(t, fmEdit, f.mode)
	assert.True(t, ctx.Keyboard.Visible())

	// Hardware keys: append " world" and a newline.
	for _, code := range []uint16{KeySpace, 17, 24, 19, 38, 32} { // " world"
		ctx.Events.PushKey(code, true)
		ctx.Events.PushKey(code, false)
	}
	ctx.Events.PushKey(KeyEnter, true)
	f.Update(ctx)

	f.saveEdit(ctx)
	assert.Equal(t, fmList, f.mode)
	assert.False(t, ctx.Keyboard.Visible())
	assert.Equal(t, "hello world\n", fsRead(t, ctx, "doc"))
	assert.Contains(t, f.status, "Saved")
}

func TestFileManagerEditEscapeCancels(t *testing.T) {
	ctx := newTestContext(t)
	fsWrite(t, ctx, "doc", "original")

	f := NewFileManager()
	f.Init(ctx)
	f.openEdit(ctx)

	for _, code := range []uint16{44, 44, 44} { // zzz
		ctx.Events.PushKey(code, true)
		ctx.Events.PushKey(code, false)
	}
	ctx.Events.PushKey(KeyEsc, true)
	f.Update(ctx)

	assert.Equal(t, fmList, f.mode)
	assert.Equal(t, "original", fsRead(t, ctx, "doc"), "escape discards edits")
}

func TestFileManagerCreateFlow(t *testing.T) {
	ctx := newTestContext(t)
	f := NewFileManager()
	f.Init(ctx)

	// Touch the "new" button.
	pushTouch(ctx, event.TouchDown, 10, testH-fmButtonBar/2)
	f.Update(ctx)
	require.Equal(t, fmNewName, f.mode)

	for _, code := range []uint16{49, 18, 17} { // "new"
		ctx.Events.PushKey(code, true)
		ctx.Events.PushKey(code, false)
	}
	ctx.Events.PushKey(KeyEnter, true)
	f.Update(ctx)

	// Creating drops into the editor for the fresh file.
	assert.Equal(t, fmEdit, f.mode)
	assert.Equal(t, "new", f.editName)

	entries, err := ctx.FS.ReadDir(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].Name)
}

func TestFileManagerDeleteConfirm(t *testing.T) {
	ctx := newTestContext(t)
	fsWrite(t, ctx, "victim", "bye")

	f := NewFileManager()
	f.Init(ctx)

	ctx.Events.PushKey(KeyEnter, true)
	// Enter opens view; enter the confirm mode the del button sets instead.
	f.mode = fmConfirmDelete
	ctx.Events.Pop() // drop the stray enter press
	ctx.Events.PushKey(KeyEnter, true)
	f.Update(ctx)

	assert.Equal(t, fmList, f.mode)
	assert.Empty(t, f.entries)
	_, err := ctx.FS.Open("victim", tinyfs.ORead)
	assert.ErrorIs(t, err, tinyfs.ErrNotFound)
}

func TestFileManagerDeleteOpenFileShowsError(t *testing.T) {
	ctx := newTestContext(t)
	fsWrite(t, ctx, "busy", "x")
	fd, err := ctx.FS.Open("busy", tinyfs.ORead)
	require.NoError(t, err)
	defer ctx.FS.Close(fd)

	f := NewFileManager()
	f.Init(ctx)
	f.mode = fmConfirmDelete
	f.deleteSelected(ctx)
	assert.True(t, f.statusError)
	assert.Contains(t, f.status, "Cannot delete")
}
