package netstack

import "encoding/binary"

// DHCP ports and message types.
const (
	dhcpServerPort = 67
	dhcpClientPort = 68

	dhcpBootRequest = 1

	dhcpDiscover = 1
	dhcpOffer    = 2
	dhcpRequest  = 3
	dhcpAck      = 5
)

// DHCP option codes.
const (
	optSubnetMask    = 1
	optRouter        = 3
	optDNSServer     = 6
	optRequestedIP   = 50
	optMessageType   = 53
	optServerID      = 54
	optParamRequest  = 55
	optEnd           = 255
)

const (
	dhcpFixedLen    = 236 // fixed-format header before the options
	dhcpRetryPeriod = 30000
	dhcpMaxOptions  = 50
)

// DHCPState is the client's configuration progress.
type DHCPState int

const (
	DHCPIdle DHCPState = iota
	DHCPDiscovering
	DHCPRequesting
	DHCPConfigured
)

func (d DHCPState) String() string {
	switch d {
	case DHCPIdle:
		return "idle"
	case DHCPDiscovering:
		return "discovering"
	case DHCPRequesting:
		return "requesting"
	case DHCPConfigured:
		return "configured"
	}
	return "unknown"
}

// dhcpClient is the DHCP state machine. The transaction id is a fixed
// constant; randomizing it would not change observable behavior here.
type dhcpClient struct {
	state DHCPState
	xid   uint32
}

func (d *dhcpClient) init() {
	d.state = DHCPIdle
	d.xid = 0x12345678
}

// poll resends Discover on a retry period while unconfigured.
func (d *dhcpClient) poll(s *Stack) {
	if s.cfg.Configured || d.state == DHCPConfigured {
		return
	}
	if d.state == DHCPIdle || s.ticks%dhcpRetryPeriod == 0 {
		d.sendDiscover(s)
	}
}

// buildMessage fills the fixed-format BOOTP header. The xid is written
// bytewise in network order.
func (d *dhcpClient) buildMessage(s *Stack, options []byte) []byte {
	msg := make([]byte, dhcpFixedLen+len(options))
	msg[0] = dhcpBootRequest
	msg[1] = 1 // htype ethernet
	msg[2] = 6 // hlen
	binary.BigEndian.PutUint32(msg[4:8], d.xid)
	binary.BigEndian.PutUint16(msg[10:12], 0x8000) // broadcast flag
	mac := s.mac
	copy(msg[28:34], mac[:])
	copy(msg[dhcpFixedLen:], options)
	return msg
}

// sendBroadcast emits the message from 0.0.0.0 to 255.255.255.255 at the
// broadcast MAC, bypassing the routed send path.
func (d *dhcpClient) sendBroadcast(s *Stack, msg []byte) {
	total := ethHeaderLen + ipv4HeaderLen + udpHeaderLen + len(msg)
	if total > frameBufLen {
		return
	}
	buf := s.txBuf[:total]
	s.writeEthHeader(buf, broadcastMAC, etherTypeIPv4)
	s.writeIPv4Header(buf[ethHeaderLen:], Addr{}, broadcastAddr, protoUDP, udpHeaderLen+len(msg))

	udp := buf[ethHeaderLen+ipv4HeaderLen:]
	binary.BigEndian.PutUint16(udp[0:2], dhcpClientPort)
	binary.BigEndian.PutUint16(udp[2:4], dhcpServerPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpHeaderLen+len(msg)))
	udp[6] = 0
	udp[7] = 0
	copy(udp[udpHeaderLen:], msg)

	if err := s.link.Send(buf); err != nil {
		s.log.Warn("dhcp: send failed", "err", err)
	}
}

func (d *dhcpClient) sendDiscover(s *Stack) {
	options := []byte{
		99, 130, 83, 99, // magic cookie
		optMessageType, 1, dhcpDiscover,
		optParamRequest, 3, optSubnetMask, optRouter, optDNSServer,
		optEnd,
	}
	d.sendBroadcast(s, d.buildMessage(s, options))
	d.state = DHCPDiscovering
	s.cfg.DHCPState = d.state
}

func (d *dhcpClient) sendRequest(s *Stack, serverID Addr) {
	options := []byte{
		99, 130, 83, 99,
		optMessageType, 1, dhcpRequest,
		optRequestedIP, 4, s.cfg.IP[0], s.cfg.IP[1], s.cfg.IP[2], s.cfg.IP[3],
		optServerID, 4, serverID[0], serverID[1], serverID[2], serverID[3],
		optEnd,
	}
	d.sendBroadcast(s, d.buildMessage(s, options))
}

// handleResponse consumes a server message addressed to us. Option parsing
// walks type,len,value records with a count cap and stops at option 255.
func (d *dhcpClient) handleResponse(s *Stack, data []byte) {
	if len(data) < dhcpFixedLen {
		return
	}
	if binary.BigEndian.Uint32(data[4:8]) != d.xid {
		return
	}

	var yiaddr Addr
	copy(yiaddr[:], data[16:20])

	msgType := 0
	var serverID Addr

	opts := data[dhcpFixedLen:]
	// Skip the magic cookie when present.
	if len(opts) >= 4 && opts[0] == 99 && opts[1] == 130 && opts[2] == 83 && opts[3] == 99 {
		opts = opts[4:]
	}

	for budget := dhcpMaxOptions; budget > 0 && len(opts) > 0 && opts[0] != optEnd; budget-- {
		code := opts[0]
		opts = opts[1:]
		if code == 0 {
			continue
		}
		if len(opts) == 0 {
			break
		}
		optLen := int(opts[0])
		opts = opts[1:]
		if optLen > len(opts) {
			break
		}
		value := opts[:optLen]
		opts = opts[optLen:]

		switch code {
		case optMessageType:
			if optLen >= 1 {
				msgType = int(value[0])
			}
		case optSubnetMask:
			if optLen == 4 {
				copy(s.cfg.Subnet[:], value)
			}
		case optRouter:
			if optLen >= 4 {
				copy(s.cfg.Gateway[:], value)
			}
		case optDNSServer:
			if optLen >= 4 {
				copy(s.cfg.DNS[:], value)
			}
		case optServerID:
			if optLen == 4 {
				copy(serverID[:], value)
			}
		}
	}

	switch {
	case msgType == dhcpOffer && d.state == DHCPDiscovering:
		s.cfg.IP = yiaddr
		d.state = DHCPRequesting
		s.cfg.DHCPState = d.state
		d.sendRequest(s, serverID)

	case msgType == dhcpAck && d.state == DHCPRequesting:
		s.cfg.IP = yiaddr
		s.cfg.Configured = true
		d.state = DHCPConfigured
		s.cfg.DHCPState = d.state
		s.log.Info("dhcp: configured",
			"ip", s.cfg.IP.String(),
			"gateway", s.cfg.Gateway.String(),
			"dns", s.cfg.DNS.String())
	}
}
