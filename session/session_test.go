package session

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/windowtftp/tftp/netio"
	"github.com/windowtftp/tftp/wire"
)

func newListenerSocket(t *testing.T) (*net.UDPConn, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr)
}

func TestServerServesRRQ(t *testing.T) {
	dir := t.TempDir()
	content := []byte("hello tftp world")
	if err := os.WriteFile(filepath.Join(dir, "greeting.txt"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	listenerConn, listenerAddr := newListenerSocket(t)
	srv := NewServer(listenerConn, Config{DataDir: dir, StopAndWait: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	cliConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	defer cliConn.Close()
	cli := netio.New(cliConn, netio.Config{})

	if err := cli.SendTo(wire.NewRRQ("greeting.txt", wire.ModeOctet), listenerAddr); err != nil {
		t.Fatal(err)
	}

	// First reply comes from a fresh ephemeral port, not listenerAddr: the
	// send engine's server-role init emits ACK(0) before its first DATA.
	cliConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 516)
	n, sessAddr, err := cliConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	p, err := wire.Decode(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if p.Op != wire.OpACK || p.Block != 0 {
		t.Fatalf("want ACK block 0, got %+v", p)
	}

	n, _, err = cliConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	p, err = wire.Decode(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if p.Op != wire.OpDATA || p.Block != 0 {
		t.Fatalf("want DATA block 0, got %+v", p)
	}
	if string(p.Payload) != string(content) {
		t.Fatalf("content mismatch: got %q", p.Payload)
	}

	sessCli := netio.New(cliConn, netio.Config{})
	if err := sessCli.SendTo(wire.NewAck(0), sessAddr); err != nil {
		t.Fatal(err)
	}
}

func TestServerRRQFileNotFound(t *testing.T) {
	dir := t.TempDir()
	listenerConn, listenerAddr := newListenerSocket(t)
	srv := NewServer(listenerConn, Config{DataDir: dir})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	cliConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	defer cliConn.Close()
	cli := netio.New(cliConn, netio.Config{})

	if err := cli.SendTo(wire.NewRRQ("missing.txt", wire.ModeOctet), listenerAddr); err != nil {
		t.Fatal(err)
	}

	cliConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 516)
	n, _, err := cliConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	p, err := wire.Decode(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if p.Op != wire.OpERROR || p.Code != wire.ErrFileNotFound {
		t.Fatalf("want ERROR FileNotFound, got %+v", p)
	}
}

func TestResolvePathRejectsEscape(t *testing.T) {
	if _, err := resolvePath("/srv/data", "../../etc/passwd"); err == nil {
		t.Fatal("want error for path escaping data dir")
	}
	if _, err := resolvePath("/srv/data", "sub/file.txt"); err != nil {
		t.Fatalf("want no error for nested path, got %v", err)
	}
}
