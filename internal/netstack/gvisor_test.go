package netstack_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/veighnsche/claudeos/internal/netstack"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	gvtcp "gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	gvudp "gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// The gvisor stack plays the rest of the network: it owns the gateway
// address, answers ARP and ICMP, and hosts TCP/UDP services the guest
// stack connects to.

const nicID tcpip.NICID = 1

var (
	harnessGuestMAC  = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	harnessServerMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

	harnessGuestIP  = netstack.Addr{10, 42, 0, 2}
	harnessServerIP = netstack.Addr{10, 42, 0, 1}
)

func addrFrom4(ip netstack.Addr) tcpip.Address {
	return tcpip.AddrFrom4(ip)
}

// gvisorLink bridges the guest stack's Link to a gvisor channel endpoint.
type gvisorLink struct {
	mac     [6]byte
	ch      *channel.Endpoint
	inbound chan []byte
}

func (l *gvisorLink) MAC() [6]byte { return l.mac }
func (l *gvisorLink) Poll()        {}

func (l *gvisorLink) Send(frame []byte) error {
	out := append([]byte(nil), frame...)
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(out),
	})
	// The ethernet link endpoint parses the header from the packet
	// contents; the protocol argument is ignored.
	l.ch.InjectInbound(0, pkt)
	return nil
}

func (l *gvisorLink) Recv(buf []byte) (int, error) {
	select {
	case frame := <-l.inbound:
		return copy(buf, frame), nil
	default:
		return 0, nil
	}
}

type gvisorHarness struct {
	gs    *stack.Stack
	link  *gvisorLink
	guest *netstack.Stack
}

func newGvisorHarness(t *testing.T) *gvisorHarness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	ch := channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(harnessServerMAC)))
	ep := ethernet.New(ch)
	gs := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{gvtcp.NewProtocol, gvudp.NewProtocol},
	})
	if err := gs.CreateNIC(nicID, ep); err != nil {
		t.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := gs.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   addrFrom4(harnessServerIP),
			PrefixLen: 24,
		},
	}, stack.AddressProperties{}); err != nil {
		t.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	gs.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
	})

	link := &gvisorLink{
		mac:     harnessGuestMAC,
		ch:      ch,
		inbound: make(chan []byte, 4096),
	}

	go func() {
		for {
			pkt := ch.ReadContext(ctx)
			if pkt == nil {
				return
			}
			frame := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()
			select {
			case link.inbound <- frame:
			default:
			}
		}
	}()

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	guest := netstack.New(logger, link)
	// The gvisor side is both gateway and service host.
	guest.SetStaticConfig(harnessGuestIP, netstack.Addr{255, 255, 255, 0}, harnessServerIP, harnessServerIP)

	t.Cleanup(func() {
		cancel()
		ch.Close()
	})
	return &gvisorHarness{gs: gs, link: link, guest: guest}
}

// pump polls the guest stack until cond holds, failing after the budget.
func (h *gvisorHarness) pump(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for i := 0; i < 5000; i++ {
		h.guest.Poll()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestGvisorTCPConnectAndTransfer(t *testing.T) {
	h := newGvisorHarness(t)

	ln, err := gonet.ListenTCP(h.gs, tcpip.FullAddress{
		NIC:  nicID,
		Addr: addrFrom4(harnessServerIP),
		Port: 8080,
	}, ipv4.ProtocolNumber)
	if err != nil {
		t.Fatalf("gvisor listen: %v", err)
	}
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		acceptCh <- accepted{c, err}
	}()

	id, err := h.guest.TCPConnect(harnessServerIP, 8080)
	if err != nil {
		t.Fatalf("TCPConnect: %v", err)
	}
	h.pump(t, "tcp establishment", func() bool {
		return h.guest.TCPState(id) == netstack.TCPEstablished
	})

	var server net.Conn
	select {
	case a := <-acceptCh:
		if a.err != nil {
			t.Fatalf("accept: %v", a.err)
		}
		server = a.conn
	case <-time.After(5 * time.Second):
		t.Fatal("gvisor never accepted the connection")
	}
	defer server.Close()

	// Server -> guest.
	greeting := []byte("hello from gvisor")
	if _, err := server.Write(greeting); err != nil {
		t.Fatalf("server write: %v", err)
	}
	h.pump(t, "guest data", func() bool { return h.guest.TCPDataAvailable(id) })
	buf := make([]byte, 256)
	n := h.guest.TCPRecv(id, buf)
	if !bytes.Equal(buf[:n], greeting) {
		t.Errorf("guest received %q, want %q", buf[:n], greeting)
	}

	// Guest -> server.
	request := []byte("ping from tinyos")
	if _, err := h.guest.TCPSend(id, request); err != nil {
		t.Fatalf("TCPSend: %v", err)
	}
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, 256)
	rn, err := server.Read(got)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if !bytes.Equal(got[:rn], request) {
		t.Errorf("server received %q, want %q", got[:rn], request)
	}

	h.guest.TCPClose(id)
	h.pump(t, "close", func() bool {
		s := h.guest.TCPState(id)
		return s != netstack.TCPEstablished && s != netstack.TCPFinWait1
	})
}

func TestGvisorICMPEcho(t *testing.T) {
	h := newGvisorHarness(t)

	h.guest.PingGateway()
	h.pump(t, "echo reply", func() bool {
		if h.guest.Ping().Received > 0 {
			return true
		}
		// The first attempt may have been dropped on the ARP miss;
		// reissue once the cache warms.
		if h.guest.Ping().Sent == 0 {
			h.guest.PingGateway()
		}
		return false
	})

	stats := h.guest.Ping()
	if stats.Sent == 0 || stats.Received == 0 {
		t.Errorf("ping stats = %+v", stats)
	}
}

func TestGvisorDNSResolve(t *testing.T) {
	h := newGvisorHarness(t)

	// A one-shot DNS server on the gvisor side.
	conn, err := gonet.DialUDP(h.gs, &tcpip.FullAddress{
		NIC:  nicID,
		Addr: addrFrom4(harnessServerIP),
		Port: 53,
	}, nil, ipv4.ProtocolNumber)
	if err != nil {
		t.Fatalf("gvisor udp bind: %v", err)
	}
	defer conn.Close()

	go func() {
		buf := make([]byte, 512)
		n, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		var query dns.Msg
		if err := query.Unpack(buf[:n]); err != nil {
			return
		}
		reply := new(dns.Msg)
		reply.SetReply(&query)
		rr, err := dns.NewRR("files.example. 60 IN A 10.42.0.1")
		if err != nil {
			return
		}
		reply.Answer = append(reply.Answer, rr)
		packed, err := reply.Pack()
		if err != nil {
			return
		}
		_, _ = conn.WriteTo(packed, raddr)
	}()

	var q netstack.Query
	h.guest.ResolveStart(&q, "files.example")
	h.pump(t, "dns resolution", func() bool {
		return h.guest.ResolvePoll(&q) != netstack.QueryPending
	})

	if q.State != netstack.QueryDone {
		t.Fatalf("query state = %v, want done", q.State)
	}
	if q.Result != harnessServerIP {
		t.Errorf("resolved %v, want %v", q.Result, harnessServerIP)
	}
}
