package netstack

import (
	"encoding/binary"
	"fmt"
)

// TCP header flags.
const (
	tcpFIN = 0x01
	tcpSYN = 0x02
	tcpRST = 0x04
	tcpPSH = 0x08
	tcpACK = 0x10
)

const (
	tcpHeaderLen = 20
	tcpMSS       = 1400
	tcpRxBufSize = 4096

	// MaxConns is the size of the connection pool.
	MaxConns = 4

	tcpSynRetries     = 5
	tcpSynTimeout     = 500
	tcpCloseTimeout   = 5000
	tcpTimeWaitTicks  = 2000

	tcpPortFirst = 49152
	tcpPortLast  = 65000
)

// TCPState is a connection's position in the state machine.
type TCPState int

const (
	TCPClosed TCPState = iota
	TCPSynSent
	TCPEstablished
	TCPFinWait1
	TCPFinWait2
	TCPCloseWait
	TCPLastAck
	TCPTimeWait
)

func (s TCPState) String() string {
	switch s {
	case TCPClosed:
		return "closed"
	case TCPSynSent:
		return "syn-sent"
	case TCPEstablished:
		return "established"
	case TCPFinWait1:
		return "fin-wait-1"
	case TCPFinWait2:
		return "fin-wait-2"
	case TCPCloseWait:
		return "close-wait"
	case TCPLastAck:
		return "last-ack"
	case TCPTimeWait:
		return "time-wait"
	}
	return "unknown"
}

type tcpConn struct {
	state      TCPState
	remoteIP   Addr
	localPort  uint16
	remotePort uint16

	seqNum      uint32
	ackNum      uint32
	lastAckSent uint32

	rxBuf   [tcpRxBufSize]byte
	rxLen   int
	rxReady bool

	timeoutTick uint32
	retries     int
}

type tcpState struct {
	conns    [MaxConns]tcpConn
	nextPort uint16
}

func (t *tcpState) init() {
	for i := range t.conns {
		t.conns[i] = tcpConn{}
	}
	t.nextPort = tcpPortFirst
}

func (s *Stack) tcpConnAt(id int) *tcpConn {
	if id < 0 || id >= MaxConns {
		return nil
	}
	return &s.tcp.conns[id]
}

// TCPConnect opens an outgoing connection, returning its pool slot.
func (s *Stack) TCPConnect(ip Addr, port uint16) (int, error) {
	if !s.cfg.Configured {
		return -1, fmt.Errorf("tcp: interface not configured")
	}

	id := -1
	for i := range s.tcp.conns {
		if s.tcp.conns[i].state == TCPClosed {
			id = i
			break
		}
	}
	if id < 0 {
		return -1, fmt.Errorf("tcp: connection pool exhausted")
	}

	conn := &s.tcp.conns[id]
	*conn = tcpConn{
		state:      TCPSynSent,
		remoteIP:   ip,
		remotePort: port,
		localPort:  s.tcp.nextPort,
		seqNum:     s.rng.next(),
	}
	s.tcp.nextPort++
	if s.tcp.nextPort > tcpPortLast {
		s.tcp.nextPort = tcpPortFirst
	}
	conn.timeoutTick = s.ticks + tcpSynTimeout

	s.sendTCPSegment(conn, tcpSYN, nil)
	return id, nil
}

// TCPState returns the state of one connection slot.
func (s *Stack) TCPState(id int) TCPState {
	conn := s.tcpConnAt(id)
	if conn == nil {
		return TCPClosed
	}
	return conn.state
}

// TCPDataAvailable reports whether received data is waiting.
func (s *Stack) TCPDataAvailable(id int) bool {
	conn := s.tcpConnAt(id)
	return conn != nil && conn.rxReady
}

// TCPSend transmits data on an established connection, split into
// MSS-sized PSH|ACK segments.
func (s *Stack) TCPSend(id int, data []byte) (int, error) {
	conn := s.tcpConnAt(id)
	if conn == nil || conn.state != TCPEstablished {
		return 0, fmt.Errorf("tcp: connection %d not established", id)
	}
	sent := 0
	for sent < len(data) {
		chunk := len(data) - sent
		if chunk > tcpMSS {
			chunk = tcpMSS
		}
		s.sendTCPSegment(conn, tcpACK|tcpPSH, data[sent:sent+chunk])
		sent += chunk
	}
	return sent, nil
}

// TCPRecv copies buffered data out of the connection.
func (s *Stack) TCPRecv(id int, buf []byte) int {
	conn := s.tcpConnAt(id)
	if conn == nil || conn.rxLen == 0 {
		return 0
	}
	n := conn.rxLen
	if n > len(buf) {
		n = len(buf)
	}
	copy(buf, conn.rxBuf[:n])
	if n < conn.rxLen {
		copy(conn.rxBuf[:], conn.rxBuf[n:conn.rxLen])
	}
	conn.rxLen -= n
	conn.rxReady = conn.rxLen > 0
	return n
}

// TCPClose initiates an active close.
func (s *Stack) TCPClose(id int) {
	conn := s.tcpConnAt(id)
	if conn == nil {
		return
	}
	if conn.state == TCPEstablished {
		s.sendTCPSegment(conn, tcpFIN|tcpACK, nil)
		conn.state = TCPFinWait1
		conn.timeoutTick = s.ticks + tcpCloseTimeout
	} else if conn.state != TCPClosed {
		conn.state = TCPClosed
	}
}

// tcpPoll drives retransmission and close-path deadlines.
func (s *Stack) tcpPoll() {
	for i := range s.tcp.conns {
		conn := &s.tcp.conns[i]
		if conn.state == TCPClosed || s.ticks <= conn.timeoutTick {
			continue
		}
		switch conn.state {
		case TCPSynSent:
			conn.retries++
			if conn.retries > tcpSynRetries {
				conn.state = TCPClosed
				break
			}
			// The SYN consumed a sequence number; rewind before resending.
			conn.seqNum--
			s.sendTCPSegment(conn, tcpSYN, nil)
			conn.timeoutTick = s.ticks + tcpSynTimeout
		case TCPFinWait1, TCPFinWait2, TCPTimeWait:
			conn.state = TCPClosed
		}
	}
}

// tcpChecksum computes the checksum over the pseudo-header plus segment.
func tcpChecksum(src, dst Addr, segment []byte) uint16 {
	var sum uint32
	sum += uint32(src[0])<<8 | uint32(src[1])
	sum += uint32(src[2])<<8 | uint32(src[3])
	sum += uint32(dst[0])<<8 | uint32(dst[1])
	sum += uint32(dst[2])<<8 | uint32(dst[3])
	sum += protoTCP
	sum += uint32(len(segment))

	i := 0
	for ; i+1 < len(segment); i += 2 {
		sum += uint32(segment[i])<<8 | uint32(segment[i+1])
	}
	if i < len(segment) {
		sum += uint32(segment[i]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return ^uint16(sum)
}

// sendTCPSegment emits one segment, writing every header field bytewise in
// network order, and advances seqNum for SYN/FIN/data.
func (s *Stack) sendTCPSegment(conn *tcpConn, flags uint8, data []byte) {
	segment := make([]byte, tcpHeaderLen+len(data))
	binary.BigEndian.PutUint16(segment[0:2], conn.localPort)
	binary.BigEndian.PutUint16(segment[2:4], conn.remotePort)
	binary.BigEndian.PutUint32(segment[4:8], conn.seqNum)
	binary.BigEndian.PutUint32(segment[8:12], conn.ackNum)
	segment[12] = 0x50 // data offset: 5 words
	segment[13] = flags
	binary.BigEndian.PutUint16(segment[14:16], tcpRxBufSize)
	// checksum at 16:18 computed below; urgent pointer stays zero
	copy(segment[tcpHeaderLen:], data)

	csum := tcpChecksum(s.cfg.IP, conn.remoteIP, segment)
	binary.BigEndian.PutUint16(segment[16:18], csum)

	s.sendIPv4(conn.remoteIP, protoTCP, segment)

	if flags&tcpSYN != 0 {
		conn.seqNum++
	}
	if flags&tcpFIN != 0 {
		conn.seqNum++
	}
	conn.seqNum += uint32(len(data))
}

// handleTCP demultiplexes one inbound segment to its connection and runs
// the state machine.
func (s *Stack) handleTCP(src Addr, p []byte) {
	srcPort := binary.BigEndian.Uint16(p[0:2])
	dstPort := binary.BigEndian.Uint16(p[2:4])
	seq := binary.BigEndian.Uint32(p[4:8])
	ack := binary.BigEndian.Uint32(p[8:12])
	headerLen := int(p[12]>>4) * 4
	flags := p[13]

	if headerLen < tcpHeaderLen || headerLen > len(p) {
		return
	}
	data := p[headerLen:]

	var conn *tcpConn
	for i := range s.tcp.conns {
		c := &s.tcp.conns[i]
		if c.state != TCPClosed && c.localPort == dstPort &&
			c.remotePort == srcPort && c.remoteIP == src {
			conn = c
			break
		}
	}
	if conn == nil {
		return
	}

	if flags&tcpRST != 0 {
		conn.state = TCPClosed
		return
	}

	switch conn.state {
	case TCPSynSent:
		if flags&(tcpSYN|tcpACK) == tcpSYN|tcpACK {
			conn.ackNum = seq + 1
			if ack == conn.seqNum {
				conn.state = TCPEstablished
				s.sendTCPSegment(conn, tcpACK, nil)
				conn.lastAckSent = conn.ackNum
			}
		}

	case TCPEstablished:
		if len(data) > 0 {
			space := tcpRxBufSize - conn.rxLen
			n := len(data)
			if n > space {
				n = space
			}
			if n > 0 {
				copy(conn.rxBuf[conn.rxLen:], data[:n])
				conn.rxLen += n
				conn.rxReady = true
			}
			conn.ackNum = seq + uint32(len(data))
			s.sendTCPSegment(conn, tcpACK, nil)
			conn.lastAckSent = conn.ackNum
		}
		if flags&tcpFIN != 0 {
			conn.ackNum = seq + uint32(len(data)) + 1
			s.sendTCPSegment(conn, tcpACK, nil)
			conn.state = TCPCloseWait
			s.sendTCPSegment(conn, tcpFIN|tcpACK, nil)
			conn.state = TCPLastAck
		}

	case TCPFinWait1:
		if flags&tcpACK != 0 {
			conn.state = TCPFinWait2
		}
		if flags&tcpFIN != 0 {
			conn.ackNum = seq + 1
			s.sendTCPSegment(conn, tcpACK, nil)
			conn.state = TCPTimeWait
			conn.timeoutTick = s.ticks + tcpTimeWaitTicks
		}

	case TCPFinWait2:
		if flags&tcpFIN != 0 {
			conn.ackNum = seq + 1
			s.sendTCPSegment(conn, tcpACK, nil)
			conn.state = TCPTimeWait
			conn.timeoutTick = s.ticks + tcpTimeWaitTicks
		}

	case TCPLastAck:
		if flags&tcpACK != 0 {
			conn.state = TCPClosed
		}
	}
}
