package kernel

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"anyos/internal/errs"
	"anyos/internal/syscall"
)

// netState is the kernel's interface configuration plus the ARP cache.
type netState struct {
	mu      sync.Mutex
	ip      [4]byte
	mask    [4]byte
	gateway [4]byte
	dns     [4]byte
	arp     []arpEntry
}

type arpEntry struct {
	ip  [4]byte
	mac [6]byte
}

// socket is one open TCP endpoint in the socket table.
type socket struct {
	listener net.Listener
	conn     net.Conn
}

func ipToU32(ip [4]byte) uint64 {
	return uint64(binary.BigEndian.Uint32(ip[:]))
}

func u32ToIP(v uint64) [4]byte {
	var ip [4]byte
	binary.BigEndian.PutUint32(ip[:], uint32(v))
	return ip
}

func (k *Kernel) registerNetHandlers() {
	// net_config(ip, mask, gateway): each packed as a big-endian u32.
	k.disp.Register(syscall.SysNetConfig, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		k.net.mu.Lock()
		k.net.ip = u32ToIP(a.A0)
		k.net.mask = u32ToIP(a.A1)
		k.net.gateway = u32ToIP(a.A2)
		k.net.mu.Unlock()
		k.Dmesg(fmt.Sprintf("net: configured %d.%d.%d.%d", byte(a.A0>>24), byte(a.A0>>16), byte(a.A0>>8), byte(a.A0)))
		return 0, nil
	})

	// net_dhcp(): acquires a simulated lease and returns the address.
	k.disp.Register(syscall.SysNetDHCP, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		k.net.mu.Lock()
		k.net.ip = [4]byte{10, 0, 2, 15}
		k.net.mask = [4]byte{255, 255, 255, 0}
		k.net.gateway = [4]byte{10, 0, 2, 2}
		k.net.dns = [4]byte{10, 0, 2, 3}
		k.net.arp = append(k.net.arp, arpEntry{ip: k.net.gateway, mac: [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}})
		ip := k.net.ip
		k.net.mu.Unlock()
		k.Dmesg("net: dhcp lease 10.0.2.15/24 gw 10.0.2.2")
		return ipToU32(ip), nil
	})

	// net_dns(namePtr, nameLen) -> IPv4 as u32. The query is built and
	// parsed with a real DNS message codec; without a configured server the
	// host resolver answers.
	k.disp.Register(syscall.SysNetDNS, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		name, err := k.copyInString(c, a.A0, a.A1)
		if err != nil {
			return errSentinel, err
		}
		ip, err := k.resolveA(name)
		if err != nil {
			return errSentinel, err
		}
		return ipToU32(ip), nil
	})

	// net_arp(bufPtr, bufLen): 12-byte entries.
	k.disp.Register(syscall.SysNetARP, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		k.net.mu.Lock()
		out := make([]byte, 0, len(k.net.arp)*12)
		for _, e := range k.net.arp {
			var rec [12]byte
			copy(rec[0:4], e.ip[:])
			copy(rec[4:10], e.mac[:])
			out = append(out, rec[:]...)
		}
		k.net.mu.Unlock()
		return k.copyOutBounded(c, a.A0, a.A1, out)
	})

	// net_ping(ip, timeoutTicks) -> RTT in ticks; u32::MAX on timeout.
	k.disp.Register(syscall.SysNetPing, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		ip := u32ToIP(a.A0)
		timeout := time.Duration(a.A1) * time.Second / TickHz
		if timeout == 0 {
			timeout = time.Second
		}
		start := time.Now()
		d := net.Dialer{Timeout: timeout}
		conn, err := d.Dial("udp", net.JoinHostPort(net.IP(ip[:]).String(), "7"))
		if err != nil {
			return errSentinel, errs.New(errs.Timeout, "net_ping: no route")
		}
		conn.Close()
		rtt := time.Since(start) * TickHz / time.Second
		return uint64(rtt), nil
	})

	// tcp_listen(port) -> socket id.
	k.disp.Register(syscall.SysTCPListen, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", uint16(a.A0)))
		if err != nil {
			return errSentinel, errs.New(errs.BusyResource, "tcp_listen: "+err.Error())
		}
		return k.addSocket(&socket{listener: l}), nil
	})

	// tcp_accept(sock, timeoutTicks) -> new socket id; u32::MAX on timeout.
	k.disp.Register(syscall.SysTCPAccept, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		s, ok := k.socket(a.A0)
		if !ok || s.listener == nil {
			return errSentinel, errs.New(errs.NotFound, "tcp_accept: not a listening socket")
		}
		if a.A1 > 0 {
			type deadliner interface{ SetDeadline(time.Time) error }
			if d, ok := s.listener.(deadliner); ok {
				_ = d.SetDeadline(time.Now().Add(time.Duration(a.A1) * time.Second / TickHz))
			}
		}
		conn, err := s.listener.Accept()
		if err != nil {
			return errSentinel, errs.New(errs.Timeout, "tcp_accept: "+err.Error())
		}
		return k.addSocket(&socket{conn: conn}), nil
	})

	// tcp_connect(ip, port) -> socket id.
	k.disp.Register(syscall.SysTCPConnect, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		ip := u32ToIP(a.A0)
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(net.IP(ip[:]).String(), fmt.Sprint(uint16(a.A1))), 5*time.Second)
		if err != nil {
			return errSentinel, errs.New(errs.Timeout, "tcp_connect: "+err.Error())
		}
		return k.addSocket(&socket{conn: conn}), nil
	})

	// tcp_send(sock, bufPtr, bufLen) -> bytes sent.
	k.disp.Register(syscall.SysTCPSend, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		s, ok := k.socket(a.A0)
		if !ok || s.conn == nil {
			return errSentinel, errs.New(errs.NotFound, "tcp_send: not a connected socket")
		}
		data, err := k.copyIn(c, a.A1, a.A2)
		if err != nil {
			return errSentinel, err
		}
		n, err := s.conn.Write(data)
		if err != nil {
			return errSentinel, errs.New(errs.BrokenPipe, "tcp_send: "+err.Error())
		}
		return uint64(n), nil
	})

	// tcp_recv(sock, bufPtr, bufLen, timeoutTicks) -> bytes received;
	// u32::MAX on timeout.
	k.disp.Register(syscall.SysTCPRecv, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		s, ok := k.socket(a.A0)
		if !ok || s.conn == nil {
			return errSentinel, errs.New(errs.NotFound, "tcp_recv: not a connected socket")
		}
		if err := k.disp.ValidateUserPointer(c.PID, a.A1, a.A2); err != nil {
			return errSentinel, err
		}
		if a.A3 > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(time.Duration(a.A3) * time.Second / TickHz))
		}
		buf := make([]byte, a.A2)
		n, err := s.conn.Read(buf)
		if err != nil && n == 0 {
			return errSentinel, errs.New(errs.Timeout, "tcp_recv: "+err.Error())
		}
		if err := k.copyOut(c, a.A1, buf[:n]); err != nil {
			return errSentinel, err
		}
		return uint64(n), nil
	})

	k.disp.Register(syscall.SysTCPClose, func(c syscall.Caller, a syscall.Args) (uint64, error) {
		k.sockMu.Lock()
		s, ok := k.socks[a.A0]
		delete(k.socks, a.A0)
		k.sockMu.Unlock()
		if !ok {
			return errSentinel, errs.New(errs.NotFound, "tcp_close: no such socket")
		}
		if s.listener != nil {
			s.listener.Close()
		}
		if s.conn != nil {
			s.conn.Close()
		}
		return 0, nil
	})
}

func (k *Kernel) addSocket(s *socket) uint64 {
	k.sockMu.Lock()
	defer k.sockMu.Unlock()
	k.nextSock++
	id := k.nextSock
	k.socks[id] = s
	return id
}

func (k *Kernel) socket(id uint64) (*socket, bool) {
	k.sockMu.Lock()
	defer k.sockMu.Unlock()
	s, ok := k.socks[id]
	return s, ok
}

// resolveA answers an A query. With a DHCP-provided DNS server the query
// goes over the wire as a real DNS message exchange; otherwise the host
// resolver stands in for the netstack.
func (k *Kernel) resolveA(name string) ([4]byte, error) {
	k.net.mu.Lock()
	server := k.net.dns
	k.net.mu.Unlock()

	if server != ([4]byte{}) {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(name), dns.TypeA)
		cl := new(dns.Client)
		cl.Timeout = 3 * time.Second
		in, _, err := cl.Exchange(m, net.JoinHostPort(net.IP(server[:]).String(), "53"))
		if err == nil {
			for _, rr := range in.Answer {
				if a, ok := rr.(*dns.A); ok {
					var ip [4]byte
					copy(ip[:], a.A.To4())
					return ip, nil
				}
			}
		}
		// fall through to the host resolver on exchange failure
	}

	addrs, err := net.LookupIP(name)
	if err != nil {
		return [4]byte{}, errs.New(errs.NotFound, "net_dns: no answer for "+name)
	}
	for _, addr := range addrs {
		if v4 := addr.To4(); v4 != nil {
			var ip [4]byte
			copy(ip[:], v4)
			return ip, nil
		}
	}
	return [4]byte{}, errs.New(errs.NotFound, "net_dns: no A record for "+name)
}
