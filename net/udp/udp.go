// Package udp implements the net.Transport contract over UDP/IPv4 and
// UDP/IPv6, with IPv6 multicast group joins. A zone on a remote
// endpoint is applied to the destination address on send. On IPv6
// sockets IPV6_RECVPKTINFO is enabled, but the packet-info control
// data is never read and no source address or source zone is set on
// outgoing datagrams.
//
// Grounded on the teacher's net.ListenUDP/net.UDPConn read loop
// (GiterLab-go-coap/server.go) for the datagram plumbing, and on
// malbeclabs-doublezero/tools/uping's IP_PKTINFO enablement via
// golang.org/x/sys/unix for the socket-option layer.
package udp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	coapnet "github.com/mnazarim/CoAP/net"
)

// LinkLocalAllCoAPNodes and SiteLocalAllCoAPNodes are the CoAP multicast groups
// spec.md section 6 names.
const (
	LinkLocalAllCoAPNodes = "ff02::fd"
	SiteLocalAllCoAPNodes = "ff05::fd"
)

const maxDatagram = 1500

// Transport is a coapnet.Transport backed by a single UDP socket.
type Transport struct {
	scheme string
	conn   *net.UDPConn

	mu   sync.Mutex
	recv coapnet.RecvFunc
	done chan struct{}
	wg   sync.WaitGroup
}

var _ coapnet.Transport = (*Transport)(nil)

// Listen opens a UDP socket on addr (e.g. ":5683", "[::]:5683") for the
// given network ("udp", "udp4" or "udp6") and returns a Transport
// identified by scheme ("coap" or "coap+oscore").
func Listen(network, addr, scheme string) (*Transport, error) {
	uaddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP(network, uaddr)
	if err != nil {
		return nil, err
	}
	t := &Transport{scheme: scheme, conn: conn, done: make(chan struct{})}
	if uaddr.IP == nil || uaddr.IP.To4() == nil {
		_ = t.enablePktInfo()
	}
	t.wg.Add(1)
	go t.readLoop()
	return t, nil
}

// Dial opens a UDP socket for outbound-only use (ephemeral local port).
func Dial(network, scheme string) (*Transport, error) {
	return Listen(network, ":0", scheme)
}

func (t *Transport) enablePktInfo() error {
	sc, err := t.conn.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = sc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

// JoinMulticast joins group (e.g. LinkLocalAllCoAPNodes) on every
// multicast-capable interface, per spec.md section 6.
func (t *Transport) JoinMulticast(group string) error {
	ip := net.ParseIP(group)
	if ip == nil {
		return fmt.Errorf("udp: invalid multicast group %q", group)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return err
	}
	sc, err := t.conn.SyscallConn()
	if err != nil {
		return err
	}
	var joined int
	var lastErr error
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagMulticast == 0 || ifi.Flags&net.FlagUp == 0 {
			continue
		}
		mreq := &unix.IPv6Mreq{Interface: uint32(ifi.Index)}
		copy(mreq.Multiaddr[:], ip.To16())
		err := sc.Control(func(fd uintptr) {
			lastErr = unix.SetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq)
		})
		if err == nil && lastErr == nil {
			joined++
		}
	}
	if joined == 0 && lastErr != nil {
		return fmt.Errorf("udp: join multicast %s: %w", group, lastErr)
	}
	return nil
}

func (t *Transport) Scheme() string { return t.scheme }

func (t *Transport) SetRecvFunc(fn coapnet.RecvFunc) {
	t.mu.Lock()
	t.recv = fn
	t.mu.Unlock()
}

func (t *Transport) Send(remote coapnet.Endpoint, data []byte) error {
	addr := &net.UDPAddr{IP: net.ParseIP(remote.Address), Port: int(remote.Port), Zone: remote.Zone}
	_, err := t.conn.WriteToUDP(data, addr)
	return err
}

func (t *Transport) LocalAddresses() []coapnet.Endpoint {
	addr, ok := t.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil
	}
	return []coapnet.Endpoint{{
		Transport: t.scheme,
		Address:   addr.IP.String(),
		Port:      uint16(addr.Port),
		Zone:      addr.Zone,
	}}
}

func (t *Transport) Shutdown() error {
	close(t.done)
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, raddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		remote := coapnet.Endpoint{
			Transport: t.scheme,
			Address:   raddr.IP.String(),
			Port:      uint16(raddr.Port),
			Zone:      raddr.Zone,
		}
		t.mu.Lock()
		recv := t.recv
		t.mu.Unlock()
		if recv != nil {
			recv(remote, data, time.Now())
		}
	}
}
