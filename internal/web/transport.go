package web

import "github.com/veighnsche/claudeos/internal/netstack"

// Transport is the slice of the netstack the web clients use. Activities
// hand them this capability rather than the whole stack;
// *netstack.Stack satisfies it.
type Transport interface {
	TCPConnect(ip netstack.Addr, port uint16) (int, error)
	TCPState(id int) netstack.TCPState
	TCPSend(id int, data []byte) (int, error)
	TCPRecv(id int, buf []byte) int
	TCPDataAvailable(id int) bool
	TCPClose(id int)

	ResolveStart(q *netstack.Query, hostname string)
	ResolvePoll(q *netstack.Query) netstack.QueryState

	Rand32() uint32
	Poll()
}

var _ Transport = (*netstack.Stack)(nil)
