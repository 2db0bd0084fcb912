package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/veighnsche/claudeos/internal/event"
	"github.com/veighnsche/claudeos/internal/fb"
	"github.com/veighnsche/claudeos/internal/netstack"
	"github.com/veighnsche/claudeos/internal/tinyfs"
	"github.com/veighnsche/claudeos/internal/web"
)

const (
	termHistory   = 256
	termMaxCmd    = 128
	termTitleBar  = 36
	termLineGap   = 2

	termDefaultFG = 0x00E0E0E0
	termDefaultBG = 0x000D0D14
	termTitleBG   = 0x001F4068
	termPromptFG  = 0x002ECC71
)

// Terminal is the shell screen: a scrollable ring of output lines, one
// input line, and a command table. HTTP and WebSocket sessions started
// from here are polled cooperatively by Update.
type Terminal struct {
	lines [termHistory]string
	head  int // next write slot
	count int

	scrollOffset int

	cmd   []byte
	shift bool

	fg uint32
	bg uint32

	needsRedraw bool
	wantClose   bool

	// Touch scrolling.
	touchStartY   int
	touchScrolling bool

	// Async sessions.
	httpReq *web.Request
	wsConn  *web.Socket
	wsDNS   *netstack.Query
	wsURL   web.URL
}

// NewTerminal creates the terminal screen.
func NewTerminal() *Terminal {
	return &Terminal{fg: termDefaultFG, bg: termDefaultBG}
}

func (t *Terminal) Init(ctx *Context) {
	if t.count == 0 {
		t.println("ClaudeOS Terminal v1.0")
		t.println("Type 'help' for commands")
		t.println("")
	}
	t.needsRedraw = true
	t.wantClose = false
}

////////////////////////////////////////////////////////////////////////////////
// Output ring.
////////////////////////////////////////////////////////////////////////////////

func (t *Terminal) println(line string) {
	// Payloads fetched off the network may carry escape sequences; strip
	// them rather than rendering garbage glyphs.
	line = ansi.Strip(line)
	t.lines[t.head] = line
	t.head = (t.head + 1) % termHistory
	if t.count < termHistory {
		t.count++
	}
	t.scrollOffset = 0
	t.needsRedraw = true
}

func (t *Terminal) printf(format string, args ...any) {
	t.println(fmt.Sprintf(format, args...))
}

// printBlock splits multi-line text into history lines.
func (t *Terminal) printBlock(text string) {
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		t.println(line)
	}
}

func (t *Terminal) visibleLines(ctx *Context) int {
	h := ctx.Surface.Height() - termTitleBar - 2*(fb.FontHeight+termLineGap)
	if ctx.Keyboard.Visible() {
		h -= ctx.Keyboard.Height()
	}
	return h / (fb.FontHeight + termLineGap)
}

func (t *Terminal) scrollUp(lines int) {
	max := t.count - 1
	t.scrollOffset += lines
	if t.scrollOffset > max {
		t.scrollOffset = max
	}
	t.needsRedraw = true
}

func (t *Terminal) scrollDown(lines int) {
	t.scrollOffset -= lines
	if t.scrollOffset < 0 {
		t.scrollOffset = 0
	}
	t.needsRedraw = true
}

////////////////////////////////////////////////////////////////////////////////
// Event handling.
////////////////////////////////////////////////////////////////////////////////

func (t *Terminal) Update(ctx *Context) bool {
	for {
		ev, ok := ctx.Events.Pop()
		if !ok {
			break
		}
		switch ev.Kind {
		case event.KindKey:
			t.handleKey(ctx, ev)
		case event.KindTouch:
			t.handleTouch(ctx, ev)
		}
	}

	t.pollSessions(ctx)

	redraw := t.needsRedraw
	t.needsRedraw = false
	return redraw
}

func (t *Terminal) handleKey(ctx *Context, ev event.Event) {
	if ev.Code == KeyLeftShift || ev.Code == KeyRightShift {
		t.shift = ev.Subtype == event.KeyPress
		return
	}
	if ev.Subtype != event.KeyPress {
		return
	}

	switch ev.Code {
	case KeyEnter:
		t.execute(ctx)
	case KeyBackspace:
		if len(t.cmd) > 0 {
			t.cmd = t.cmd[:len(t.cmd)-1]
			t.needsRedraw = true
		}
	case KeyUp:
		t.scrollUp(1)
	case KeyDown:
		t.scrollDown(1)
	case KeyEsc:
		t.wantClose = true
	default:
		if c := KeycodeToChar(ev.Code, t.shift); c != 0 && len(t.cmd) < termMaxCmd {
			t.cmd = append(t.cmd, c)
			t.needsRedraw = true
		}
	}
}

func (t *Terminal) handleTouch(ctx *Context, ev event.Event) {
	switch ev.Subtype {
	case event.TouchScrollUp:
		t.scrollUp(int(ev.Y))
		return
	case event.TouchScrollDown:
		t.scrollDown(int(ev.Y))
		return
	}

	x, y := ctx.ScaleTouch(ev.X, ev.Y)

	if consumed, key := ctx.Keyboard.HandleTouch(ev.Subtype, x, y); consumed {
		t.applySoftKey(ctx, key)
		return
	}

	switch ev.Subtype {
	case event.TouchDown:
		// The title bar's back zone closes; a tap below it raises the
		// keyboard and starts a scroll drag.
		if y < termTitleBar {
			if x < 80 {
				t.wantClose = true
			}
			return
		}
		t.touchStartY = y
		t.touchScrolling = true
		ctx.Keyboard.Show()
		t.needsRedraw = true
	case event.TouchMove:
		if t.touchScrolling {
			delta := (y - t.touchStartY) / (fb.FontHeight + termLineGap)
			if delta > 0 {
				t.scrollUp(delta)
				t.touchStartY = y
			} else if delta < 0 {
				t.scrollDown(-delta)
				t.touchStartY = y
			}
		}
	case event.TouchUp:
		t.touchScrolling = false
	}
}

func (t *Terminal) applySoftKey(ctx *Context, key KeyPress) {
	switch key.Action {
	case KeyActionChar:
		if len(t.cmd) < termMaxCmd {
			t.cmd = append(t.cmd, key.Char)
		}
	case KeyActionBackspace:
		if len(t.cmd) > 0 {
			t.cmd = t.cmd[:len(t.cmd)-1]
		}
	case KeyActionEnter:
		t.execute(ctx)
	}
	t.needsRedraw = true
}

////////////////////////////////////////////////////////////////////////////////
// Command dispatch.
////////////////////////////////////////////////////////////////////////////////

func (t *Terminal) execute(ctx *Context) {
	line := strings.TrimSpace(string(t.cmd))
	t.cmd = t.cmd[:0]
	t.println("> " + line)
	if line == "" {
		return
	}

	args := strings.Fields(line)
	cmd, args := args[0], args[1:]

	handlers := map[string]func(*Context, []string){
		"help":   t.cmdHelp,
		"close":  t.cmdClose,
		"exit":   t.cmdClose,
		"clear":  t.cmdClear,
		"echo":   t.cmdEcho,
		"heap":   t.cmdHeap,
		"mem":    t.cmdMem,
		"cpu":    t.cmdCPU,
		"uptime": t.cmdUptime,
		"color":  t.cmdColor,
		"calc":   t.cmdCalc,
		"net":    t.cmdNet,
		"ping":   t.cmdPing,
		"curl":   t.cmdCurl,
		"ws":     t.cmdWS,
		"disk":   t.cmdDisk,
		"ls":     t.cmdLs,
		"cat":    t.cmdCat,
		"write":  t.cmdWrite,
		"rm":     t.cmdRm,
		"format": t.cmdFormat,
	}

	if h, ok := handlers[cmd]; ok {
		h(ctx, args)
	} else {
		t.println("Unknown command: " + cmd)
	}
}

func (t *Terminal) cmdHelp(ctx *Context, args []string) {
	t.printBlock(`ClaudeOS Terminal Commands:
 help    - This help
 close   - Return to home
 clear   - Clear screen
 echo    - Echo text
 cpu     - CPU info
 mem     - Memory usage
 heap    - Heap stats
 uptime  - Time since boot
 net     - Network status
 ping    - Ping the gateway
 curl    - HTTP request
 ws      - WebSocket client
 color   - Change colors
 calc    - Calculator
Filesystem:
 disk    - Disk info
 ls      - List files
 cat     - Read file
 write   - Write file
 rm      - Delete file
 format  - Format disk`)
}

func (t *Terminal) cmdClose(ctx *Context, args []string) { t.wantClose = true }

func (t *Terminal) cmdClear(ctx *Context, args []string) {
	t.head, t.count, t.scrollOffset = 0, 0, 0
	t.needsRedraw = true
}

func (t *Terminal) cmdEcho(ctx *Context, args []string) {
	t.println(strings.Join(args, " "))
}

func (t *Terminal) cmdHeap(ctx *Context, args []string) {
	t.println("Heap Statistics:")
	t.printf("  Free: %d bytes", ctx.Heap.FreeBytes())
	t.printf("  Used: %d bytes", ctx.Heap.UsedBytes())
	if !ctx.Heap.CorruptionCheck() {
		t.println("  WARNING: heap corruption detected")
	}
}

func (t *Terminal) cmdMem(ctx *Context, args []string) {
	stats := ctx.Heap.Stats()
	t.println("Memory:")
	t.printf("  Allocated (lifetime): %d bytes", stats.TotalAllocated)
	t.printf("  Freed (lifetime):     %d bytes", stats.TotalFreed)
	t.printf("  In use:               %d bytes", ctx.Heap.UsedBytes())
}

func (t *Terminal) cmdCPU(ctx *Context, args []string) {
	t.println("CPU Information:")
	t.println("  Arch:   arm64 (virt)")
	t.println("  Cores:  1")
	t.println("  Mode:   single address space, cooperative")
}

func (t *Terminal) cmdUptime(ctx *Context, args []string) {
	ticks := uint32(0)
	if ctx.Uptime != nil {
		ticks = ctx.Uptime()
	}
	t.printf("Uptime: %d ticks", ticks)
}

func (t *Terminal) cmdColor(ctx *Context, args []string) {
	if len(args) < 2 {
		t.println("Usage: color <fg> <bg> (hex, e.g. color FFFFFF 000000)")
		return
	}
	fg, err1 := strconv.ParseUint(args[0], 16, 32)
	bg, err2 := strconv.ParseUint(args[1], 16, 32)
	if err1 != nil || err2 != nil {
		t.println("Bad color value")
		return
	}
	t.fg, t.bg = uint32(fg), uint32(bg)
	t.needsRedraw = true
}

func (t *Terminal) cmdCalc(ctx *Context, args []string) {
	if len(args) != 3 {
		t.println("Usage: calc <a> <op> <b>")
		return
	}
	a, err1 := strconv.ParseInt(args[0], 10, 64)
	b, err2 := strconv.ParseInt(args[2], 10, 64)
	if err1 != nil || err2 != nil {
		t.println("Bad number")
		return
	}
	var result int64
	switch args[1] {
	case "+":
		result = a + b
	case "-":
		result = a - b
	case "*":
		result = a * b
	case "/":
		if b == 0 {
			t.println("Division by zero")
			return
		}
		result = a / b
	default:
		t.println("Bad operator (use + - * /)")
		return
	}
	t.printf("= %d", result)
}

func (t *Terminal) cmdNet(ctx *Context, args []string) {
	if ctx.Net == nil {
		t.println("Network unavailable")
		return
	}
	cfg := ctx.Net.Config()
	t.println("Network:")
	t.printf("  MAC:     %s", netstack.MACString(ctx.Net.MAC()))
	t.printf("  State:   %v", cfg.DHCPState)
	t.printf("  IP:      %s", cfg.IP)
	t.printf("  Subnet:  %s", cfg.Subnet)
	t.printf("  Gateway: %s", cfg.Gateway)
	t.printf("  DNS:     %s", cfg.DNS)
}

func (t *Terminal) cmdPing(ctx *Context, args []string) {
	if ctx.Net == nil || !ctx.Net.Config().Configured {
		t.println("Network not configured")
		return
	}
	ctx.Net.PingGateway()
	stats := ctx.Net.Ping()
	t.printf("Ping: %d sent, %d received", stats.Sent, stats.Received)
}

func (t *Terminal) cmdCurl(ctx *Context, args []string) {
	if ctx.Net == nil {
		t.println("Network unavailable")
		return
	}
	if len(args) < 1 {
		t.println("Usage: curl <url>")
		return
	}
	if t.httpReq != nil {
		t.println("A request is already in flight")
		return
	}
	req, err := web.Start(ctx.Net, web.GET, args[0], nil)
	if err != nil {
		t.println("HTTP request failed")
		return
	}
	t.httpReq = req
	t.println("Fetching " + args[0] + " ...")
}

func (t *Terminal) cmdWS(ctx *Context, args []string) {
	if ctx.Net == nil {
		t.println("Network unavailable")
		return
	}
	if len(args) < 1 {
		t.printBlock(`Usage: ws <url>        - connect
       ws send <text>  - send a message
       ws close        - close`)
		return
	}

	switch args[0] {
	case "send":
		if t.wsConn == nil || t.wsConn.State() != web.WSOpen {
			t.println("WebSocket not connected")
			return
		}
		if err := t.wsConn.SendText(strings.Join(args[1:], " ")); err != nil {
			t.println("Send failed")
		}
	case "close":
		if t.wsConn != nil {
			t.wsConn.Close()
			t.wsConn = nil
			t.println("WebSocket closed")
		}
	default:
		u, err := web.ParseWSURL(args[0])
		if err != nil || u.Secure {
			t.println("Cannot open: " + args[0])
			return
		}
		if ip, ok := netstack.ParseAddr(u.Host); ok {
			t.wsDial(ctx, u, ip)
			return
		}
		// Resolve the hostname first, then dial from pollSessions.
		t.wsURL = u
		t.wsDNS = &netstack.Query{}
		ctx.Net.ResolveStart(t.wsDNS, u.Host)
		t.println("Resolving " + u.Host + " ...")
	}
}

func (t *Terminal) wsDial(ctx *Context, u web.URL, ip netstack.Addr) {
	ws, err := web.DialAddr(ctx.Net, u, ip)
	if err != nil {
		t.println("WebSocket connect failed")
		return
	}
	t.wsConn = ws
	t.println("Connecting to " + u.Host + " ...")
}

func (t *Terminal) cmdDisk(ctx *Context, args []string) {
	if ctx.FS == nil || !ctx.FS.Mounted() {
		t.println("Disk not mounted (try 'format')")
		return
	}
	stats, err := ctx.FS.Stats()
	if err != nil {
		t.println("Disk stats unavailable")
		return
	}
	t.println("Disk:")
	t.printf("  Clusters: %d total, %d free", stats.TotalClusters, stats.FreeClusters)
	t.printf("  Cluster size: %d bytes", stats.ClusterSize)
	t.printf("  Files: %d", stats.Files)
}

func (t *Terminal) cmdLs(ctx *Context, args []string) {
	if ctx.FS == nil || !ctx.FS.Mounted() {
		t.println("Disk not mounted")
		return
	}
	entries, err := ctx.FS.ReadDir(0)
	if err != nil {
		t.println("ls failed")
		return
	}
	if len(entries) == 0 {
		t.println("(empty)")
		return
	}
	for _, e := range entries {
		t.printf("  %-20s %8d", e.Name, e.Size)
	}
}

func (t *Terminal) cmdCat(ctx *Context, args []string) {
	if len(args) < 1 {
		t.println("Usage: cat <file>")
		return
	}
	if ctx.FS == nil || !ctx.FS.Mounted() {
		t.println("Disk not mounted")
		return
	}
	fd, err := ctx.FS.Open(args[0], tinyfs.ORead)
	if err != nil {
		t.println("Cannot open: " + args[0])
		return
	}
	defer ctx.FS.Close(fd)

	size, _ := ctx.FS.Size(fd)
	if size > 16*1024 {
		size = 16 * 1024
	}
	buf := make([]byte, size)
	n, err := ctx.FS.Read(fd, buf)
	if err != nil {
		t.println("Read failed")
		return
	}
	t.printBlock(string(buf[:n]))
}

func (t *Terminal) cmdWrite(ctx *Context, args []string) {
	if len(args) < 2 {
		t.println("Usage: write <file> <text>")
		return
	}
	if ctx.FS == nil || !ctx.FS.Mounted() {
		t.println("Disk not mounted")
		return
	}
	fd, err := ctx.FS.Open(args[0], tinyfs.OWrite|tinyfs.OCreate|tinyfs.OTrunc)
	if err != nil {
		t.println("Cannot open: " + args[0])
		return
	}
	defer ctx.FS.Close(fd)

	data := []byte(strings.Join(args[1:], " "))
	n, err := ctx.FS.Write(fd, data)
	if err != nil {
		t.println("Write failed")
		return
	}
	t.printf("Wrote %d bytes", n)
}

func (t *Terminal) cmdRm(ctx *Context, args []string) {
	if len(args) < 1 {
		t.println("Usage: rm <file>")
		return
	}
	if ctx.FS == nil || !ctx.FS.Mounted() {
		t.println("Disk not mounted")
		return
	}
	if err := ctx.FS.Remove(args[0]); err != nil {
		t.println("Cannot remove: " + args[0])
		return
	}
	t.println("Removed " + args[0])
}

func (t *Terminal) cmdFormat(ctx *Context, args []string) {
	if ctx.FS == nil {
		t.println("Disk unavailable")
		return
	}
	if err := ctx.FS.Format(); err != nil {
		t.println("Format failed")
		return
	}
	t.println("Disk formatted")
}

////////////////////////////////////////////////////////////////////////////////
// Async session polling.
////////////////////////////////////////////////////////////////////////////////

func (t *Terminal) pollSessions(ctx *Context) {
	if t.httpReq != nil {
		switch t.httpReq.Poll() {
		case web.StateDone:
			resp := t.httpReq.Response
			t.printf("HTTP %d (%d bytes)", resp.Status, len(resp.Body))
			if len(resp.Body) > 0 {
				body := resp.Body
				if len(body) > 2048 {
					body = body[:2048]
				}
				t.printBlock(string(body))
			}
			t.httpReq.Close()
			t.httpReq = nil
		case web.StateError:
			t.println("HTTP request failed")
			t.httpReq.Close()
			t.httpReq = nil
		}
	}

	if t.wsDNS != nil {
		switch ctx.Net.ResolvePoll(t.wsDNS) {
		case netstack.QueryDone:
			ip := t.wsDNS.Result
			t.wsDNS = nil
			t.wsDial(ctx, t.wsURL, ip)
		case netstack.QueryError:
			t.wsDNS = nil
			t.println("DNS resolution failed")
		}
	}

	if t.wsConn != nil {
		wasOpen := t.wsConn.State() == web.WSOpen
		state := t.wsConn.Poll()
		if state == web.WSOpen && !wasOpen {
			t.println("WebSocket connected")
		}
		if t.wsConn.MessageReady() {
			msg, _ := t.wsConn.Message()
			t.println("ws< " + string(msg))
		}
		if state == web.WSClosed {
			if wasOpen {
				t.println("WebSocket disconnected")
			}
			t.wsConn = nil
		}
	}
}

////////////////////////////////////////////////////////////////////////////////
// Drawing.
////////////////////////////////////////////////////////////////////////////////

func (t *Terminal) Draw(ctx *Context) {
	s := ctx.Surface
	s.Clear(t.bg)

	// Title bar with the back zone.
	s.FillRect(0, 0, s.Width(), termTitleBar, termTitleBG)
	s.DrawString(12, (termTitleBar-fb.FontHeight)/2, "< back", 0x00FFFFFF)
	title := "Terminal"
	s.DrawString((s.Width()-len(title)*fb.FontWidth)/2, (termTitleBar-fb.FontHeight)/2,
		title, 0x00FFFFFF)

	visible := t.visibleLines(ctx)
	lineH := fb.FontHeight + termLineGap

	// History window: newest at the bottom, scrolled up by scrollOffset.
	first := t.count - visible - t.scrollOffset
	if first < 0 {
		first = 0
	}
	y := termTitleBar + 4
	for i := first; i < t.count-t.scrollOffset && y < s.Height(); i++ {
		idx := (t.head - t.count + i + termHistory) % termHistory
		s.DrawString(8, y, t.lines[idx], t.fg)
		y += lineH
	}

	// Input line with cursor.
	prompt := "> " + string(t.cmd)
	s.DrawString(8, y, prompt, termPromptFG)
	s.FillRect(8+len(prompt)*fb.FontWidth, y, fb.FontWidth, fb.FontHeight, t.fg)

	ctx.Keyboard.Draw(s)
}

func (t *Terminal) ShouldClose() bool { return t.wantClose }
func (t *Terminal) ClearClose()       { t.wantClose = false }
