package recvengine

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/windowtftp/tftp/mmapfile"
	"github.com/windowtftp/tftp/netio"
	"github.com/windowtftp/tftp/wire"
)

func loopbackPair(t *testing.T) (srvConn, cliConn *net.UDPConn, srvAddr, cliAddr *net.UDPAddr) {
	t.Helper()
	var err error
	srvConn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srvConn.Close() })
	cliConn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cliConn.Close() })
	srvAddr = srvConn.LocalAddr().(*net.UDPAddr)
	cliAddr = cliConn.LocalAddr().(*net.UDPAddr)
	return
}

func TestReceiveTwoBlockTransfer(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "out")
	f, err := mmapfile.CreateRecv(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	srvConn, cliConn, srvAddr, cliAddr := loopbackPair(t)
	srv := netio.New(srvConn, netio.Config{})
	cli := netio.New(cliConn, netio.Config{})

	done := make(chan Outcome, 1)
	go func() {
		e := New(srv, cliAddr, f, Config{})
		done <- e.Run()
	}()

	ack, err := cli.RecvExpecting(srvAddr)
	if err != nil {
		t.Fatal(err)
	}
	if ack.Op != wire.OpACK || ack.Block != 0 {
		t.Fatalf("want ACK(0), got %+v", ack)
	}

	full := make([]byte, 512)
	for i := range full {
		full[i] = byte(i)
	}
	tail := []byte{1, 2, 3}

	if err := cli.SendTo(wire.NewData(0, full), srvAddr); err != nil {
		t.Fatal(err)
	}
	if _, err := cli.RecvExpecting(srvAddr); err != nil {
		t.Fatal(err)
	}
	if err := cli.SendTo(wire.NewData(1, tail), srvAddr); err != nil {
		t.Fatal(err)
	}

	// Expect 4 final ACKs.
	for i := 0; i < 4; i++ {
		p, err := cli.RecvExpecting(srvAddr)
		if err != nil {
			t.Fatal(err)
		}
		if p.Op != wire.OpACK || p.Block != 1 {
			t.Fatalf("want final ACK(1), got %+v", p)
		}
	}

	select {
	case out := <-done:
		if out.Result != ResultReady {
			t.Fatalf("want ResultReady, got %v (%v)", out.Result, out.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for engine")
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	want := append(append([]byte{}, full...), tail...)
	if string(got) != string(want) {
		t.Fatalf("file content mismatch: got %d bytes, want %d", len(got), len(want))
	}
}

func TestReceiveOutOfOrderBlocks(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "out")
	f, err := mmapfile.CreateRecv(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	srvConn, cliConn, srvAddr, cliAddr := loopbackPair(t)
	srv := netio.New(srvConn, netio.Config{})
	cli := netio.New(cliConn, netio.Config{})

	done := make(chan Outcome, 1)
	go func() {
		e := New(srv, cliAddr, f, Config{})
		done <- e.Run()
	}()

	if _, err := cli.RecvExpecting(srvAddr); err != nil {
		t.Fatal(err)
	}

	// send final (short) block first, then block 0.
	if err := cli.SendTo(wire.NewData(1, []byte{9, 9}), srvAddr); err != nil {
		t.Fatal(err)
	}
	ack, err := cli.RecvExpecting(srvAddr)
	if err != nil {
		t.Fatal(err)
	}
	if ack.Block != 0 {
		t.Fatalf("premature completion ACK: %+v", ack)
	}

	full := make([]byte, 512)
	if err := cli.SendTo(wire.NewData(0, full), srvAddr); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		p, err := cli.RecvExpecting(srvAddr)
		if err != nil {
			t.Fatal(err)
		}
		if p.Block != 1 {
			t.Fatalf("want final ACK(1), got %+v", p)
		}
	}

	select {
	case out := <-done:
		if out.Result != ResultReady {
			t.Fatalf("want ResultReady, got %v (%v)", out.Result, out.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for engine")
	}
}

func TestReceiveAbortsOnPeerError(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "out")
	f, err := mmapfile.CreateRecv(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	srvConn, cliConn, srvAddr, cliAddr := loopbackPair(t)
	srv := netio.New(srvConn, netio.Config{})
	cli := netio.New(cliConn, netio.Config{})

	done := make(chan Outcome, 1)
	go func() {
		e := New(srv, cliAddr, f, Config{})
		done <- e.Run()
	}()

	if _, err := cli.RecvExpecting(srvAddr); err != nil {
		t.Fatal(err)
	}
	if err := cli.SendTo(wire.NewError(wire.ErrAccessViolation, "nope"), srvAddr); err != nil {
		t.Fatal(err)
	}

	select {
	case out := <-done:
		if out.Result != ResultAborted {
			t.Fatalf("want ResultAborted, got %v", out.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for engine")
	}
}
