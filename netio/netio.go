// Package netio implements the datagram endpoint primitive: a UDP
// send/receive wrapper that filters by expected peer, offers a
// peek-then-commit dispatch hook for the session controller, and applies a
// deterministic drop injector for fault-injection tests.
package netio

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/windowtftp/tftp/wire"
)

// ErrWrongHost names the condition of a datagram arriving from an address
// other than the expected peer. No function in this package returns it:
// the condition is not fatal, so RecvExpecting discards such datagrams and
// keeps reading.
var ErrWrongHost = errors.New("netio: datagram from unexpected host")

// ErrTimeout wraps the underlying deadline-exceeded condition so callers can
// use errors.Is without depending on the os package directly.
var ErrTimeout = os.ErrDeadlineExceeded

// errUnsupportedSockaddr is returned by the unix peek implementation for
// address families other than IPv4/IPv6.
var errUnsupportedSockaddr = errors.New("netio: unsupported sockaddr family")

// Config configures an Endpoint. The zero value is a usable Config with the
// drop injector disabled.
type Config struct {
	// DropThreshold in [0,127] causes synthetic drops: a 7-bit draw below
	// this threshold turns a real received datagram into ErrTimeout. This is
	// an explicit per-Endpoint config value rather than a process global, so
	// concurrent sessions can be configured independently and tests stay
	// deterministic.
	DropThreshold int
	// Rand supplies the 7-bit draws for the drop injector. A nil Rand gives
	// the Endpoint its own source with the fixed seed 1, so every such
	// Endpoint draws the same deterministic sequence.
	Rand *rand.Rand
	// Logger receives debug/trace output. Nil disables logging.
	Logger *slog.Logger
	// OnSyntheticDrop, if set, is called each time the drop injector
	// discards a real datagram. Session wires this to its per-transfer
	// metrics.Session.IncSyntheticDrops.
	OnSyntheticDrop func()
}

// Endpoint wraps a UDP socket with peer filtering, timeouts, and a
// synthetic drop injector.
type Endpoint struct {
	conn *net.UDPConn
	cfg  Config
	rng  *rand.Rand
	log  *slog.Logger
}

// New wraps conn as an Endpoint. conn is not closed by New; call Close to
// release it.
func New(conn *net.UDPConn, cfg Config) *Endpoint {
	if cfg.DropThreshold < 0 {
		cfg.DropThreshold = 0
	}
	if cfg.DropThreshold > 127 {
		cfg.DropThreshold = 127
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Endpoint{conn: conn, cfg: cfg, rng: rng, log: cfg.Logger}
}

// LocalAddr returns the endpoint's bound local address.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the underlying socket.
func (e *Endpoint) Close() error { return e.conn.Close() }

// SendTo encodes and sends a single datagram to peer.
func (e *Endpoint) SendTo(p wire.Packet, peer *net.UDPAddr) error {
	buf := wire.Encode(p)
	_, err := e.conn.WriteToUDP(buf, peer)
	if e.log != nil {
		e.log.Debug("netio:send", slog.String("op", p.Op.String()), slog.String("peer", peer.String()))
	}
	return err
}

// SetTimeout arms the socket's read deadline timeout from now.
func (e *Endpoint) SetTimeout(d time.Duration) error {
	return e.conn.SetReadDeadline(time.Now().Add(d))
}

func (e *Endpoint) droppedByInjector() bool {
	if e.cfg.DropThreshold <= 0 {
		return false
	}
	draw := e.rng.Intn(128) // 7 uniform bits
	return draw < e.cfg.DropThreshold
}

// readRaw performs one blocking read, applying the drop injector. It never
// loops; callers loop as needed.
func (e *Endpoint) readRaw(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, nil, err
	}
	if e.droppedByInjector() {
		if e.log != nil {
			e.log.Debug("netio:synthetic-drop", slog.String("peer", addr.String()))
		}
		if e.cfg.OnSyntheticDrop != nil {
			e.cfg.OnSyntheticDrop()
		}
		return 0, nil, ErrTimeout
	}
	return n, addr, nil
}

// RecvExpecting blocks (bounded by the last SetTimeout call) until a packet
// arrives from peer, silently discarding datagrams from any other address —
// non-fatal, so RecvExpecting retries rather than surfacing it. Decode
// errors on datagrams from the right peer are likewise swallowed and the
// read retried, since a malformed datagram is not a transport-level
// failure.
func (e *Endpoint) RecvExpecting(peer *net.UDPAddr) (wire.Packet, error) {
	buf := make([]byte, 516)
	for {
		n, from, err := e.readRaw(buf)
		if err != nil {
			return wire.Packet{}, err
		}
		if !sameHost(from, peer) {
			if e.log != nil {
				e.log.Debug("netio:wrong-host", slog.String("from", from.String()), slog.String("want", peer.String()))
			}
			continue
		}
		p, err := wire.Decode(buf[:n])
		if err != nil {
			if e.log != nil {
				e.log.Debug("netio:decode-error", slog.String("err", err.Error()))
			}
			continue
		}
		if p.Op == wire.OpDATA {
			// Payload aliases buf, which is reused on the next loop
			// iteration; copy it out for the caller.
			cp := make([]byte, len(p.Payload))
			copy(cp, p.Payload)
			p.Payload = cp
		}
		return p, nil
	}
}

// RecvAny blocks (bounded by the last SetTimeout call) until any datagram
// arrives, decodes it, and returns it together with its source address
// without filtering by expected peer. The client CLI uses this once per
// transfer, to learn the server's per-session reply port (its TID, in RFC
// 1350 terms): the server answers an RRQ/WRQ from a fresh ephemeral-port
// socket, so the client must observe that address before it can call
// RecvExpecting against it for the remainder of the exchange. Decode errors
// are swallowed and the read retried, matching RecvExpecting's tolerance
// for malformed datagrams.
func (e *Endpoint) RecvAny() (wire.Packet, *net.UDPAddr, error) {
	buf := make([]byte, 516)
	for {
		n, from, err := e.readRaw(buf)
		if err != nil {
			return wire.Packet{}, nil, err
		}
		p, err := wire.Decode(buf[:n])
		if err != nil {
			if e.log != nil {
				e.log.Debug("netio:decode-error", slog.String("err", err.Error()))
			}
			continue
		}
		if p.Op == wire.OpDATA {
			cp := make([]byte, len(p.Payload))
			copy(cp, p.Payload)
			p.Payload = cp
		}
		return p, from, nil
	}
}

// PeekAny blocks until any datagram arrives, without removing it from the
// socket's receive queue: the session controller uses it to dispatch a
// freshly-arrived RRQ/WRQ from the returned Packet, then removes the
// datagram with Discard. See peek_unix.go / peek_other.go for the
// platform-specific mechanism.
func (e *Endpoint) PeekAny() (wire.Packet, *net.UDPAddr, error) {
	buf := make([]byte, 516)
	n, from, err := e.peekRaw(buf)
	if err != nil {
		return wire.Packet{}, nil, err
	}
	p, err := wire.Decode(buf[:n])
	if err != nil {
		return wire.Packet{}, nil, fmt.Errorf("netio: peek decode: %w", err)
	}
	if p.Op == wire.OpDATA {
		cp := make([]byte, len(p.Payload))
		copy(cp, p.Payload)
		p.Payload = cp
	}
	return p, from, nil
}

func sameHost(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// Discard removes the datagram most recently observed via PeekAny from
// peer off the socket's receive queue, without decoding it (the caller
// already has the decoded value PeekAny returned). On platforms whose
// peekRaw falls back to a consuming read (see peek_other.go) this is a
// no-op, since there is nothing left to remove.
func (e *Endpoint) Discard(peer *net.UDPAddr) error {
	return e.discard(peer)
}
