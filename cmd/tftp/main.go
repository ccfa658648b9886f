// Command tftp is a minimal client for the windowed TFTP protocol: get
// fetches a remote file, put uploads a local one.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/windowtftp/tftp/mmapfile"
	"github.com/windowtftp/tftp/netio"
	"github.com/windowtftp/tftp/recvengine"
	"github.com/windowtftp/tftp/sendengine"
	"github.com/windowtftp/tftp/wire"
)

// handshakeAttempts bounds the initial request/ACK(0) exchange used to learn
// the server's per-session reply address, mirroring sendengine.MaxAttempts.
const handshakeAttempts = 8

// handshakeTimeout is the read deadline applied to each handshake attempt.
const handshakeTimeout = time.Second

// learnPeer sends a request packet (resent on each timeout, up to
// handshakeAttempts times) and waits for the first reply from an address
// sharing wellKnown's IP. The server answers an RRQ/WRQ from a fresh
// ephemeral-port socket (spec.md §5), so the address the client must
// continue talking to is not wellKnown itself but whatever address the
// first reply actually came from — that address is this function's result.
func learnPeer(ep *netio.Endpoint, wellKnown *net.UDPAddr, req wire.Packet) (*net.UDPAddr, wire.Packet, error) {
	for attempt := 0; attempt < handshakeAttempts; attempt++ {
		if err := ep.SendTo(req, wellKnown); err != nil {
			return nil, wire.Packet{}, err
		}
		if err := ep.SetTimeout(handshakeTimeout); err != nil {
			return nil, wire.Packet{}, err
		}
		p, from, err := ep.RecvAny()
		if err != nil {
			if errors.Is(err, netio.ErrTimeout) {
				continue
			}
			return nil, wire.Packet{}, err
		}
		if !from.IP.Equal(wellKnown.IP) {
			continue
		}
		if p.Op == wire.OpERROR {
			return nil, wire.Packet{}, fmt.Errorf("server error: %s", p.Message)
		}
		return from, p, nil
	}
	return nil, wire.Packet{}, errors.New("no reply from server")
}

func main() {
	if err := run(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run() error {
	server := flag.String("server", "", "server address, host:port")
	windowSize := flag.Int("window", 16, "initial send window size, in blocks (put only)")
	stopAndWait := flag.Bool("stop-and-wait", false, "force window size 1")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	args := flag.Args()
	if *server == "" || len(args) != 3 {
		return fmt.Errorf("usage: tftp -server host:port <get|put> <remote-name> <local-path>")
	}
	cmd, remoteName, localPath := args[0], args[1], args[2]

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	peer, err := net.ResolveUDPAddr("udp4", *server)
	if err != nil {
		return fmt.Errorf("resolve server address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("open local socket: %w", err)
	}
	defer conn.Close()
	ep := netio.New(conn, netio.Config{Logger: logger})

	switch cmd {
	case "get":
		return get(ep, peer, remoteName, localPath, logger)
	case "put":
		return put(ep, peer, remoteName, localPath, *windowSize, *stopAndWait, logger)
	default:
		return fmt.Errorf("unknown command %q: want get or put", cmd)
	}
}

// get is a thin client driver: it performs the RRQ handshake itself (the
// send engine's client role only covers WRQ), learning the server's
// per-session reply address from the ACK(0) datagram that handshake
// produces, then hands the connection to a receive engine — pinned to that
// learned address, not the well-known server address the RRQ was sent to —
// to pull the file down. The server replies to the RRQ with its own ACK(0)
// (send engine, server role), so the receive engine here must not send a
// second one.
func get(ep *netio.Endpoint, wellKnown *net.UDPAddr, remoteName, localPath string, logger *slog.Logger) error {
	sessionPeer, reply, err := learnPeer(ep, wellKnown, wire.NewRRQ(remoteName, wire.ModeOctet))
	if err != nil {
		return fmt.Errorf("RRQ handshake: %w", err)
	}
	if reply.Op != wire.OpACK || reply.Block != 0 {
		return fmt.Errorf("RRQ handshake: unexpected reply %s", reply.Op)
	}

	f, err := mmapfile.CreateRecv(localPath)
	if err != nil {
		return fmt.Errorf("create local file: %w", err)
	}
	defer f.Close()

	e := recvengine.New(ep, sessionPeer, f, recvengine.Config{SkipInitialAck: true, Logger: logger})
	out := e.Run()
	if out.Result != recvengine.ResultReady {
		return fmt.Errorf("get failed: %s: %w", out.Result, out.Err)
	}
	return nil
}

// put learns the server's per-session reply address the same way get does,
// via the WRQ/ACK(0) handshake, then runs the send engine with SkipInit set
// since that handshake has already happened — against the learned address
// rather than the well-known one the WRQ was sent to.
func put(ep *netio.Endpoint, wellKnown *net.UDPAddr, remoteName, localPath string, windowSize int, stopAndWait bool, logger *slog.Logger) error {
	sessionPeer, reply, err := learnPeer(ep, wellKnown, wire.NewWRQ(remoteName, wire.ModeOctet))
	if err != nil {
		return fmt.Errorf("WRQ handshake: %w", err)
	}
	if reply.Op != wire.OpACK || reply.Block != 0 {
		return fmt.Errorf("WRQ handshake: unexpected reply %s", reply.Op)
	}

	f, err := mmapfile.OpenSend(localPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer f.Close()

	e := sendengine.New(ep, sessionPeer, f, sendengine.Config{
		Role:        sendengine.RoleClient,
		SkipInit:    true,
		Filename:    remoteName,
		Mode:        wire.ModeOctet,
		WindowSize:  windowSize,
		StopAndWait: stopAndWait,
		Logger:      logger,
	})
	out := e.Run()
	if out.Result != sendengine.ResultReady {
		return fmt.Errorf("put failed: %s: %w", out.Result, out.Err)
	}
	return nil
}
