//go:build unix

package netio

import (
	"net"

	"golang.org/x/sys/unix"
)

// peekRaw reads a datagram with MSG_PEEK so it remains in the kernel's
// receive queue for a subsequent consuming read, grounded on the raw
// unix.Recvfrom usage in
// _examples/other_examples/..._malbeclabs-doublezero__tools-uping-pkg-uping-sender.go.go
// (there used for ICMP probing; here adapted to UDP request dispatch).
func (e *Endpoint) peekRaw(buf []byte) (int, *net.UDPAddr, error) {
	rc, err := e.conn.SyscallConn()
	if err != nil {
		return 0, nil, err
	}
	var n int
	var from unix.Sockaddr
	var recvErr error
	ctrlErr := rc.Read(func(fd uintptr) bool {
		n, from, recvErr = unix.Recvfrom(int(fd), buf, unix.MSG_PEEK)
		if recvErr == unix.EAGAIN {
			return false // ask runtime to wait for readability again
		}
		return true
	})
	if ctrlErr != nil {
		return 0, nil, ctrlErr
	}
	if recvErr != nil {
		return 0, nil, recvErr
	}
	addr, err := sockaddrToUDPAddr(from)
	if err != nil {
		return 0, nil, err
	}
	return n, addr, nil
}

// discard performs a real consuming read matching peer, dropping whatever
// datagram was previously only peeked. Datagrams from other hosts read
// along the way are dropped and the read retried, up to 8 reads in all;
// this mirrors RecvExpecting's wrong-host handling without its decode step.
func (e *Endpoint) discard(peer *net.UDPAddr) error {
	buf := make([]byte, 516)
	for i := 0; i < 8; i++ {
		_, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		if sameHost(from, peer) {
			return nil
		}
	}
	return nil
}

func sockaddrToUDPAddr(sa unix.Sockaddr) (*net.UDPAddr, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}, nil
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}, nil
	default:
		return nil, errUnsupportedSockaddr
	}
}
