package ui

import (
	"fmt"
	"strings"

	"github.com/veighnsche/claudeos/internal/event"
	"github.com/veighnsche/claudeos/internal/fb"
	"github.com/veighnsche/claudeos/internal/tinyfs"
)

type fmMode int

const (
	fmList fmMode = iota
	fmView
	fmEdit
	fmConfirmDelete
	fmNewName
)

const (
	fmTitleBar  = 36
	fmRowHeight = 44
	fmButtonBar = 56

	fmBackground  = 0x00101018
	fmTitleBG     = 0x001F4068
	fmRowSelected = 0x002A2A40
	fmTextColor   = 0x00E0E0E0
	fmDimColor    = 0x00888888
	fmErrorColor  = 0x00E74C3C
	fmStatusColor = 0x002ECC71
	fmButtonColor = 0x00333348

	fmMaxEditSize = 16 * 1024
)

// FileManager lists the root directory and supports viewing, editing,
// creating and deleting files. Edit mode consumes both the soft keyboard
// and hardware keys.
type FileManager struct {
	entries  []tinyfs.DirEntry
	selected int
	scroll   int

	mode fmMode

	status      string
	statusError bool

	viewLines []string

	editName string
	editBuf  []byte

	nameBuf []byte

	shift bool

	needsRedraw bool
	wantClose   bool
}

// NewFileManager creates the files screen.
func NewFileManager() *FileManager { return &FileManager{} }

func (f *FileManager) Init(ctx *Context) {
	f.mode = fmList
	f.status = ""
	f.statusError = false
	f.wantClose = false
	f.refresh(ctx)
}

func (f *FileManager) refresh(ctx *Context) {
	f.entries = nil
	if ctx.FS != nil && ctx.FS.Mounted() {
		if entries, err := ctx.FS.ReadDir(0); err == nil {
			f.entries = entries
		}
	} else {
		f.setStatus(ctx, "Disk not mounted", true)
	}
	if f.selected >= len(f.entries) {
		f.selected = len(f.entries) - 1
	}
	if f.selected < 0 {
		f.selected = 0
	}
	f.needsRedraw = true
}

func (f *FileManager) setStatus(ctx *Context, msg string, isError bool) {
	f.status = msg
	f.statusError = isError
	f.needsRedraw = true
}

////////////////////////////////////////////////////////////////////////////////
// Actions.
////////////////////////////////////////////////////////////////////////////////

func (f *FileManager) selectedName() (string, bool) {
	if f.selected < 0 || f.selected >= len(f.entries) {
		return "", false
	}
	return f.entries[f.selected].Name, true
}

func (f *FileManager) loadFile(ctx *Context, name string) ([]byte, bool) {
	fd, err := ctx.FS.Open(name, tinyfs.ORead)
	if err != nil {
		f.setStatus(ctx, "Cannot open: "+name, true)
		return nil, false
	}
	defer ctx.FS.Close(fd)

	size, _ := ctx.FS.Size(fd)
	if size > fmMaxEditSize {
		size = fmMaxEditSize
	}
	buf := make([]byte, size)
	n, err := ctx.FS.Read(fd, buf)
	if err != nil {
		f.setStatus(ctx, "Read failed: "+name, true)
		return nil, false
	}
	return buf[:n], true
}

func (f *FileManager) openView(ctx *Context) {
	name, ok := f.selectedName()
	if !ok {
		return
	}
	data, ok := f.loadFile(ctx, name)
	if !ok {
		return
	}
	f.viewLines = strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	f.mode = fmView
	f.needsRedraw = true
}

func (f *FileManager) openEdit(ctx *Context) {
	name, ok := f.selectedName()
	if !ok {
		return
	}
	data, ok := f.loadFile(ctx, name)
	if !ok {
		return
	}
	f.editName = name
	f.editBuf = data
	f.mode = fmEdit
	ctx.Keyboard.Show()
	f.needsRedraw = true
}

// saveEdit persists the buffer with write-create-truncate semantics.
func (f *FileManager) saveEdit(ctx *Context) {
	fd, err := ctx.FS.Open(f.editName, tinyfs.OWrite|tinyfs.OCreate|tinyfs.OTrunc)
	if err != nil {
		f.setStatus(ctx, "Cannot open: "+f.editName, true)
		return
	}
	_, werr := ctx.FS.Write(fd, f.editBuf)
	cerr := ctx.FS.Close(fd)
	if werr != nil || cerr != nil {
		f.setStatus(ctx, "Save failed: "+f.editName, true)
		return
	}
	f.setStatus(ctx, "Saved "+f.editName, false)
	f.exitEdit(ctx)
	f.refresh(ctx)
}

func (f *FileManager) exitEdit(ctx *Context) {
	f.mode = fmList
	ctx.Keyboard.Hide()
	f.needsRedraw = true
}

func (f *FileManager) deleteSelected(ctx *Context) {
	name, ok := f.selectedName()
	if !ok {
		return
	}
	if err := ctx.FS.Remove(name); err != nil {
		f.setStatus(ctx, "Cannot delete: "+name, true)
	} else {
		f.setStatus(ctx, "Deleted "+name, false)
	}
	f.mode = fmList
	f.refresh(ctx)
}

func (f *FileManager) createFile(ctx *Context) {
	name := strings.TrimSpace(string(f.nameBuf))
	f.nameBuf = nil
	if name == "" {
		f.mode = fmList
		ctx.Keyboard.Hide()
		return
	}
	fd, err := ctx.FS.Open(name, tinyfs.OWrite|tinyfs.OCreate)
	if err != nil {
		f.setStatus(ctx, "Cannot create: "+name, true)
		f.mode = fmList
		ctx.Keyboard.Hide()
		return
	}
	ctx.FS.Close(fd)
	f.setStatus(ctx, "Created "+name, false)
	f.refresh(ctx)

	// Drop straight into the editor for the new file.
	f.editName = name
	f.editBuf = nil
	f.mode = fmEdit
	f.needsRedraw = true
}

////////////////////////////////////////////////////////////////////////////////
// Events.
////////////////////////////////////////////////////////////////////////////////

func (f *FileManager) Update(ctx *Context) bool {
	for {
		ev, ok := ctx.Events.Pop()
		if !ok {
			break
		}
		switch ev.Kind {
		case event.KindKey:
			f.handleKey(ctx, ev)
		case event.KindTouch:
			f.handleTouch(ctx, ev)
		}
	}
	redraw := f.needsRedraw
	f.needsRedraw = false
	return redraw
}

func (f *FileManager) handleKey(ctx *Context, ev event.Event) {
	if ev.Code == KeyLeftShift || ev.Code == KeyRightShift {
		f.shift = ev.Subtype == event.KeyPress
		return
	}
	if ev.Subtype != event.KeyPress {
		return
	}

	switch f.mode {
	case fmList:
		switch ev.Code {
		case KeyUp:
			if f.selected > 0 {
				f.selected--
				f.needsRedraw = true
			}
		case KeyDown:
			if f.selected < len(f.entries)-1 {
				f.selected++
				f.needsRedraw = true
			}
		case KeyEnter:
			f.openView(ctx)
		case KeyEsc:
			f.wantClose = true
		}

	case fmView:
		switch ev.Code {
		case KeyEsc, KeyEnter:
			f.mode = fmList
			f.needsRedraw = true
		case KeyUp:
			if f.scroll > 0 {
				f.scroll--
				f.needsRedraw = true
			}
		case KeyDown:
			f.scroll++
			f.needsRedraw = true
		}

	case fmEdit:
		switch ev.Code {
		case KeyEsc:
			f.exitEdit(ctx) // cancel, discarding changes
		case KeyEnter:
			f.editBuf = append(f.editBuf, '\n')
			f.needsRedraw = true
		case KeyBackspace:
			if len(f.editBuf) > 0 {
				f.editBuf = f.editBuf[:len(f.editBuf)-1]
				f.needsRedraw = true
			}
		default:
			if c := KeycodeToChar(ev.Code, f.shift); c != 0 {
				f.editBuf = append(f.editBuf, c)
				f.needsRedraw = true
			}
		}

	case fmConfirmDelete:
		switch ev.Code {
		case KeyEnter:
			f.deleteSelected(ctx)
		case KeyEsc:
			f.mode = fmList
			f.needsRedraw = true
		}

	case fmNewName:
		switch ev.Code {
		case KeyEsc:
			f.nameBuf = nil
			f.mode = fmList
			ctx.Keyboard.Hide()
			f.needsRedraw = true
		case KeyEnter:
			f.createFile(ctx)
		case KeyBackspace:
			if len(f.nameBuf) > 0 {
				f.nameBuf = f.nameBuf[:len(f.nameBuf)-1]
				f.needsRedraw = true
			}
		default:
			if c := KeycodeToChar(ev.Code, f.shift); c != 0 && len(f.nameBuf) < tinyfs.MaxFilename-1 {
				f.nameBuf = append(f.nameBuf, c)
				f.needsRedraw = true
			}
		}
	}
}

func (f *FileManager) handleTouch(ctx *Context, ev event.Event) {
	x, y := ctx.ScaleTouch(ev.X, ev.Y)

	// The soft keyboard sees touches first in text-entry modes.
	if consumed, key := ctx.Keyboard.HandleTouch(ev.Subtype, x, y); consumed {
		f.applySoftKey(ctx, key)
		return
	}

	if ev.Subtype != event.TouchDown {
		return
	}

	// Title bar back zone.
	if y < fmTitleBar {
		if x < 80 {
			switch f.mode {
			case fmEdit:
				f.exitEdit(ctx)
			case fmList:
				f.wantClose = true
			default:
				f.mode = fmList
				f.needsRedraw = true
			}
		}
		return
	}

	s := ctx.Surface
	switch f.mode {
	case fmList:
		buttonTop := s.Height() - fmButtonBar
		if y >= buttonTop {
			switch x * 4 / s.Width() {
			case 0: // new
				f.nameBuf = nil
				f.mode = fmNewName
				ctx.Keyboard.Show()
				f.needsRedraw = true
			case 1: // view
				f.openView(ctx)
			case 2: // edit
				f.openEdit(ctx)
			case 3: // delete
				if _, ok := f.selectedName(); ok {
					f.mode = fmConfirmDelete
					f.needsRedraw = true
				}
			}
			return
		}
		row := (y - fmTitleBar) / fmRowHeight
		if row >= 0 && row < len(f.entries) {
			if row == f.selected {
				f.openView(ctx)
			} else {
				f.selected = row
				f.needsRedraw = true
			}
		}

	case fmView:
		f.mode = fmList
		f.needsRedraw = true

	case fmEdit:
		// The save bar sits across the bottom of the text area, just above
		// the keyboard; a tap on it saves.
		saveTop := ctx.Keyboard.Top() - fmButtonBar
		if y >= saveTop && y < ctx.Keyboard.Top() {
			f.saveEdit(ctx)
		}

	case fmConfirmDelete:
		if y > s.Height()/2 {
			if x < s.Width()/2 {
				f.deleteSelected(ctx)
			} else {
				f.mode = fmList
				f.needsRedraw = true
			}
		}
	}
}

func (f *FileManager) applySoftKey(ctx *Context, key KeyPress) {
	switch f.mode {
	case fmEdit:
		switch key.Action {
		case KeyActionChar:
			f.editBuf = append(f.editBuf, key.Char)
		case KeyActionBackspace:
			if len(f.editBuf) > 0 {
				f.editBuf = f.editBuf[:len(f.editBuf)-1]
			}
		case KeyActionEnter:
			f.editBuf = append(f.editBuf, '\n')
		}
	case fmNewName:
		switch key.Action {
		case KeyActionChar:
			if len(f.nameBuf) < tinyfs.MaxFilename-1 {
				f.nameBuf = append(f.nameBuf, key.Char)
			}
		case KeyActionBackspace:
			if len(f.nameBuf) > 0 {
				f.nameBuf = f.nameBuf[:len(f.nameBuf)-1]
			}
		case KeyActionEnter:
			f.createFile(ctx)
		}
	}
	f.needsRedraw = true
}

////////////////////////////////////////////////////////////////////////////////
// Drawing.
////////////////////////////////////////////////////////////////////////////////

func (f *FileManager) Draw(ctx *Context) {
	s := ctx.Surface
	s.Clear(fmBackground)

	// Title bar.
	s.FillRect(0, 0, s.Width(), fmTitleBar, fmTitleBG)
	s.DrawString(12, (fmTitleBar-fb.FontHeight)/2, "< back", 0x00FFFFFF)
	title := "Files"
	switch f.mode {
	case fmView:
		title = "View"
	case fmEdit:
		title = "Edit: " + f.editName
	case fmNewName:
		title = "New file"
	}
	s.DrawString((s.Width()-len(title)*fb.FontWidth)/2, (fmTitleBar-fb.FontHeight)/2,
		title, 0x00FFFFFF)

	switch f.mode {
	case fmList, fmConfirmDelete:
		f.drawList(ctx)
		if f.mode == fmConfirmDelete {
			f.drawConfirm(ctx)
		}
	case fmView:
		f.drawView(ctx)
	case fmEdit:
		f.drawEdit(ctx)
	case fmNewName:
		f.drawNewName(ctx)
	}

	// Status bar message.
	if f.status != "" {
		color := uint32(fmStatusColor)
		if f.statusError {
			color = fmErrorColor
		}
		s.DrawString(8, s.Height()-fmButtonBar-fb.FontHeight-4, f.status, color)
	}

	ctx.Keyboard.Draw(s)
}

func (f *FileManager) drawList(ctx *Context) {
	s := ctx.Surface
	y := fmTitleBar
	for i, e := range f.entries {
		if y+fmRowHeight > s.Height()-fmButtonBar {
			break
		}
		if i == f.selected {
			s.FillRect(0, y, s.Width(), fmRowHeight, fmRowSelected)
		}
		icon := "f"
		if e.IsDir() {
			icon = "d"
		}
		s.DrawString(12, y+(fmRowHeight-fb.FontHeight)/2, icon, fmDimColor)
		s.DrawString(40, y+(fmRowHeight-fb.FontHeight)/2, e.Name, fmTextColor)
		size := fmt.Sprintf("%d", e.Size)
		s.DrawString(s.Width()-12-len(size)*fb.FontWidth, y+(fmRowHeight-fb.FontHeight)/2,
			size, fmDimColor)
		y += fmRowHeight
	}
	if len(f.entries) == 0 {
		s.DrawString(12, fmTitleBar+12, "(no files)", fmDimColor)
	}

	// Button bar.
	buttonTop := s.Height() - fmButtonBar
	zoneW := s.Width() / 4
	for i, label := range [4]string{"new", "view", "edit", "del"} {
		s.RoundedRect(i*zoneW+4, buttonTop+4, zoneW-8, fmButtonBar-8, 8, fmButtonColor)
		s.DrawString(i*zoneW+zoneW/2-len(label)*fb.FontWidth/2,
			buttonTop+(fmButtonBar-fb.FontHeight)/2, label, fmTextColor)
	}
}

func (f *FileManager) drawView(ctx *Context) {
	s := ctx.Surface
	lineH := fb.FontHeight + 2
	y := fmTitleBar + 4
	for i := f.scroll; i < len(f.viewLines) && y < s.Height()-lineH; i++ {
		s.DrawString(8, y, f.viewLines[i], fmTextColor)
		y += lineH
	}
}

func (f *FileManager) drawEdit(ctx *Context) {
	s := ctx.Surface
	lineH := fb.FontHeight + 2
	bottom := ctx.Keyboard.Top() - fmButtonBar

	lines := strings.Split(string(f.editBuf), "\n")
	// Show the tail that fits above the save bar.
	visible := (bottom - fmTitleBar - 4) / lineH
	first := 0
	if len(lines) > visible {
		first = len(lines) - visible
	}
	y := fmTitleBar + 4
	for i := first; i < len(lines); i++ {
		s.DrawString(8, y, lines[i], fmTextColor)
		y += lineH
	}
	// Cursor after the last line.
	last := lines[len(lines)-1]
	s.FillRect(8+len(last)*fb.FontWidth, y-lineH, fb.FontWidth, fb.FontHeight, fmTextColor)

	// Save bar.
	s.RoundedRect(4, bottom+4, s.Width()-8, fmButtonBar-8, 8, 0x00216E4E)
	label := "save"
	s.DrawString((s.Width()-len(label)*fb.FontWidth)/2, bottom+(fmButtonBar-fb.FontHeight)/2,
		label, 0x00FFFFFF)
}

func (f *FileManager) drawNewName(ctx *Context) {
	s := ctx.Surface
	s.DrawString(12, fmTitleBar+20, "Name:", fmDimColor)
	name := string(f.nameBuf)
	s.DrawString(12+6*fb.FontWidth, fmTitleBar+20, name, fmTextColor)
	s.FillRect(12+(6+len(name))*fb.FontWidth, fmTitleBar+20, fb.FontWidth, fb.FontHeight, fmTextColor)
}

func (f *FileManager) drawConfirm(ctx *Context) {
	s := ctx.Surface
	name, _ := f.selectedName()
	w, h := s.Width()*3/4, 160
	x, y := (s.Width()-w)/2, (s.Height()-h)/2
	s.RoundedRect(x, y, w, h, 12, 0x00282838)
	msg := "Delete " + name + "?"
	s.DrawString(x+(w-len(msg)*fb.FontWidth)/2, y+24, msg, fmTextColor)
	s.DrawString(x+w/4-2*fb.FontWidth, y+h-40, "yes", fmErrorColor)
	s.DrawString(x+3*w/4-fb.FontWidth, y+h-40, "no", fmTextColor)
}

func (f *FileManager) ShouldClose() bool { return f.wantClose }
func (f *FileManager) ClearClose()       { f.wantClose = false }
