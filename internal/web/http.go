package web

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/veighnsche/claudeos/internal/netstack"
)

// Method is an HTTP request method.
type Method int

const (
	GET Method = iota
	POST
	PUT
	DELETE
)

func (m Method) String() string {
	switch m {
	case GET:
		return "GET"
	case POST:
		return "POST"
	case PUT:
		return "PUT"
	case DELETE:
		return "DELETE"
	}
	return "GET"
}

// RequestState is the request's progress through the state machine.
type RequestState int

const (
	StateIdle RequestState = iota
	StateDNS
	StateConnecting
	StateHeaders
	StateBody
	StateDone
	StateError
)

func (s RequestState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDNS:
		return "dns"
	case StateConnecting:
		return "connecting"
	case StateHeaders:
		return "headers"
	case StateBody:
		return "body"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	}
	return "unknown"
}

const (
	maxBodyLen   = 64 * 1024
	maxHeaderLen = 4 * 1024

	userAgent = "TinyOS/1.0"

	blockingPollBudget = 200000
)

// Response is the parsed server response.
type Response struct {
	Status        int
	Headers       string
	Body          []byte
	ContentLength int // -1 when absent
	Chunked       bool
}

// Request is one HTTP exchange. Create with Start, then Poll until Done or
// Error, then Close.
type Request struct {
	stack Transport

	state  RequestState
	method Method
	url    URL
	body   []byte

	dns        netstack.Query
	resolvedIP netstack.Addr
	conn       int

	accum          []byte
	headerComplete bool

	Response Response
}

// Start begins a request. Hostname targets go through the async resolver;
// IP-literal hosts connect directly.
func Start(stack Transport, method Method, rawURL string, body []byte) (*Request, error) {
	req := &Request{
		stack:  stack,
		method: method,
		body:   body,
		conn:   -1,
	}
	req.Response.ContentLength = -1

	u, err := ParseURL(rawURL)
	if err != nil {
		req.state = StateError
		return nil, err
	}
	if u.Secure {
		req.state = StateError
		return nil, ErrUnsupportedScheme
	}
	req.url = u

	if ip, ok := hostAddr(u.Host); ok {
		req.resolvedIP = ip
		if err := req.connect(); err != nil {
			return nil, err
		}
	} else {
		stack.ResolveStart(&req.dns, u.Host)
		req.state = StateDNS
	}
	return req, nil
}

func (r *Request) connect() error {
	id, err := r.stack.TCPConnect(r.resolvedIP, r.url.Port)
	if err != nil {
		r.state = StateError
		return err
	}
	r.conn = id
	r.state = StateConnecting
	return nil
}

// State returns the request state without advancing it.
func (r *Request) State() RequestState { return r.state }

// buildRequest renders the request line, headers and optional body.
func (r *Request) buildRequest() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", r.method, r.url.Path)
	fmt.Fprintf(&b, "Host: %s\r\n", r.url.Host)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", userAgent)
	b.WriteString("Connection: close\r\n")
	if len(r.body) > 0 {
		b.WriteString("Content-Type: text/plain\r\n")
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(r.body))
	}
	b.WriteString("\r\n")
	out := []byte(b.String())
	return append(out, r.body...)
}

// Poll advances the state machine one step and returns the new state. It
// never blocks; the caller keeps the netstack polled.
func (r *Request) Poll() RequestState {
	switch r.state {
	case StateDone, StateError, StateIdle:
		return r.state

	case StateDNS:
		switch r.stack.ResolvePoll(&r.dns) {
		case netstack.QueryDone:
			r.resolvedIP = r.dns.Result
			_ = r.connect() // on failure connect sets StateError
		case netstack.QueryError:
			r.state = StateError
		}
		return r.state
	}

	tcpState := r.stack.TCPState(r.conn)

	switch r.state {
	case StateConnecting:
		switch tcpState {
		case netstack.TCPEstablished:
			if _, err := r.stack.TCPSend(r.conn, r.buildRequest()); err != nil {
				r.state = StateError
				return r.state
			}
			r.state = StateHeaders
		case netstack.TCPClosed:
			r.state = StateError
		}

	case StateHeaders, StateBody:
		if r.stack.TCPDataAvailable(r.conn) {
			buf := make([]byte, 2048)
			n := r.stack.TCPRecv(r.conn, buf)
			if n > 0 {
				r.consume(buf[:n])
			}
		}

		finished := tcpState == netstack.TCPClosed || tcpState == netstack.TCPCloseWait ||
			tcpState == netstack.TCPLastAck
		if r.headerComplete && r.Response.ContentLength >= 0 &&
			len(r.Response.Body) >= r.Response.ContentLength {
			r.Response.Body = r.Response.Body[:r.Response.ContentLength]
			r.state = StateDone
			r.stack.TCPClose(r.conn)
		} else if finished {
			if r.headerComplete {
				r.state = StateDone
			} else {
				r.state = StateError
			}
		}
	}
	return r.state
}

// consume feeds received bytes to the header or body accumulator.
func (r *Request) consume(data []byte) {
	if r.headerComplete {
		r.appendBody(data)
		return
	}

	r.accum = append(r.accum, data...)
	if len(r.accum) > maxBodyLen+maxHeaderLen {
		r.accum = r.accum[:maxBodyLen+maxHeaderLen]
	}

	end := strings.Index(string(r.accum), "\r\n\r\n")
	if end < 0 {
		return
	}

	r.parseHeaders(string(r.accum[:end]))
	r.headerComplete = true
	r.state = StateBody

	// Bytes past the terminator are the body prefix.
	r.appendBody(r.accum[end+4:])
	r.accum = nil
}

func (r *Request) appendBody(data []byte) {
	space := maxBodyLen - len(r.Response.Body)
	if space <= 0 {
		return
	}
	if len(data) > space {
		data = data[:space]
	}
	r.Response.Body = append(r.Response.Body, data...)
}

// parseHeaders extracts the status code, Content-Length and chunked flag.
func (r *Request) parseHeaders(header string) {
	r.Response.Headers = header
	lines := strings.Split(header, "\r\n")
	if len(lines) == 0 {
		return
	}

	// Status line: HTTP/1.x CODE REASON
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) >= 2 {
		if code, err := strconv.Atoi(parts[1]); err == nil {
			r.Response.Status = code
		}
	}

	for _, line := range lines[1:] {
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])
		switch name {
		case "content-length":
			if n, err := strconv.Atoi(value); err == nil {
				r.Response.ContentLength = n
			}
		case "transfer-encoding":
			if strings.EqualFold(strings.TrimSpace(value), "chunked") ||
				strings.HasPrefix(strings.ToLower(value), "chunked") {
				r.Response.Chunked = true
			}
		}
	}
}

// Close releases the request's TCP slot.
func (r *Request) Close() {
	if r.conn >= 0 {
		r.stack.TCPClose(r.conn)
		r.conn = -1
	}
	if r.state != StateDone {
		r.state = StateIdle
	}
}

// Get runs a blocking GET, polling the stack under a tick budget.
func Get(stack Transport, url string) (*Response, error) {
	return roundTrip(stack, GET, url, nil)
}

// Post runs a blocking POST with a text body.
func Post(stack Transport, url string, body []byte) (*Response, error) {
	return roundTrip(stack, POST, url, body)
}

func roundTrip(stack Transport, method Method, url string, body []byte) (*Response, error) {
	req, err := Start(stack, method, url, body)
	if err != nil {
		return nil, err
	}
	defer req.Close()

	for i := 0; i < blockingPollBudget; i++ {
		stack.Poll()
		switch req.Poll() {
		case StateDone:
			resp := req.Response
			return &resp, nil
		case StateError:
			return nil, fmt.Errorf("web: request failed in state %v", req.state)
		}
	}
	return nil, fmt.Errorf("web: request timed out")
}
