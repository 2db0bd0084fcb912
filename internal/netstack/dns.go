package netstack

import "github.com/miekg/dns"

const (
	dnsPort      = 53
	dnsLocalPort = 12345

	dnsTimeoutTicks = 30000
	dnsRetryTicks   = 1000
	dnsResendTicks  = 500
)

// QueryState is the resolver's progress for one lookup.
type QueryState int

const (
	QueryIdle QueryState = iota
	QueryPending
	QueryDone
	QueryError
)

func (q QueryState) String() string {
	switch q {
	case QueryIdle:
		return "idle"
	case QueryPending:
		return "pending"
	case QueryDone:
		return "done"
	case QueryError:
		return "error"
	}
	return "unknown"
}

// Query is one asynchronous A-record resolution. At most one query is
// active on the stack at a time.
type Query struct {
	State    QueryState
	Result   Addr
	Hostname string

	id          uint16
	timeoutTick uint32
	retryTick   uint32
}

// defaultDNS is the resolver used before DHCP supplies one (QEMU's
// built-in).
var defaultDNS = Addr{10, 0, 2, 3}

func (s *Stack) dnsServer() Addr {
	if !s.cfg.DNS.IsZero() {
		return s.cfg.DNS
	}
	return defaultDNS
}

// buildDNSQuery packs one A-record question for the hostname.
func buildDNSQuery(id uint16, hostname string) ([]byte, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(hostname), dns.TypeA)
	m.Id = id
	m.RecursionDesired = true
	return m.Pack()
}

// ResolveStart begins resolving hostname, displacing any prior query.
func (s *Stack) ResolveStart(q *Query, hostname string) {
	q.State = QueryPending
	q.Hostname = hostname
	q.Result = Addr{}
	q.id = s.dnsNextID
	s.dnsNextID++
	q.timeoutTick = s.ticks + dnsTimeoutTicks
	q.retryTick = s.ticks + dnsRetryTicks

	s.dnsActive = q
	s.dnsSend(q)
}

func (s *Stack) dnsSend(q *Query) {
	packet, err := buildDNSQuery(q.id, q.Hostname)
	if err != nil {
		s.log.Warn("dns: pack failed", "host", q.Hostname, "err", err)
		q.State = QueryError
		return
	}
	s.SendUDP(s.dnsServer(), dnsLocalPort, dnsPort, packet)
}

// ResolvePoll advances a pending query: error on timeout, resend on the
// retry tick. Returns the current state.
func (s *Stack) ResolvePoll(q *Query) QueryState {
	if q.State == QueryPending {
		switch {
		case s.ticks > q.timeoutTick:
			q.State = QueryError
		case s.ticks > q.retryTick:
			s.dnsSend(q)
			q.retryTick = s.ticks + dnsResendTicks
		}
	}
	return q.State
}

// handleDNSResponse matches a server answer against the active query and
// extracts the first A record.
func (s *Stack) handleDNSResponse(data []byte) {
	q := s.dnsActive
	if q == nil || q.State != QueryPending {
		return
	}

	var msg dns.Msg
	if err := msg.Unpack(data); err != nil {
		return
	}
	if msg.Id != q.id || !msg.Response {
		return
	}
	if msg.Rcode != dns.RcodeSuccess || len(msg.Answer) == 0 {
		q.State = QueryError
		return
	}

	for _, rr := range msg.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		ip4 := a.A.To4()
		if ip4 == nil {
			continue
		}
		copy(q.Result[:], ip4)
		q.State = QueryDone
		return
	}
	q.State = QueryError
}
