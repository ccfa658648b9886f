//go:build !unix

package netio

import "net"

// peekRaw on non-unix platforms has no portable MSG_PEEK equivalent exposed
// through the standard library's net package, so it falls back to a
// consuming read: on these platforms PeekAny removes the datagram from the
// queue and Discard has nothing left to remove. The session controller
// dispatches from the Packet value PeekAny returns, so it works the same
// either way.
func (e *Endpoint) peekRaw(buf []byte) (int, *net.UDPAddr, error) {
	return e.readRaw(buf)
}

// discard is a no-op here: peekRaw already consumed the datagram.
func (e *Endpoint) discard(peer *net.UDPAddr) error { return nil }
