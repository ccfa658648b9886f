package sendengine

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

// loopbackPair opens two UDP sockets on loopback for a server/client pair.
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

func TestNumBlocks(t *testing.T) {
	cases := []struct {
		size int64
		want int
	}{
		{0, 1},
		{1, 1},
		{511, 1},
		{512, 2},
		{513, 2},
		{1024, 3},
	}
	for _, c := range cases {
		if got := NumBlocks(c.size); got != c.want {
			t.Errorf("NumBlocks(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func writeTempFile(t *testing.T, contents []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src")
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestServerRoleFullTransfer runs a stop-and-wait sendengine against a minimal in-test
// UDP loopback peer that ACKs every DATA packet it receives, to exercise the
// full Ready termination path without any real network flakiness.
func TestServerRoleFullTransfer(t *testing.T) {
	path := writeTempFile(t, make([]byte, 600)) // 2 blocks: 512 + 88
	f, err := mmapfile.OpenSend(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	srvConn, cliConn, srvAddr, cliAddr := loopbackPair(t)
	srv := netio.New(srvConn, netio.Config{})
	cli := netio.New(cliConn, netio.Config{})

	done := make(chan Outcome, 1)
	go func() {
		e := New(srv, cliAddr, f, Config{
			Role:        RoleServer,
			StopAndWait: true,
			Now:         func() time.Time { return time.Now() },
		})
		done <- e.Run()
	}()

	// Client side: expect ACK(0), then ACK each DATA in turn until done.
	block := uint32(0)
loop:
	for {
		p, err := cli.RecvExpecting(srvAddr)
		if err != nil {
			t.Fatalf("client recv: %v", err)
		}
		switch p.Op {
		case wire.OpACK:
			if p.Block != 0 {
				t.Fatalf("unexpected ACK %d from server", p.Block)
			}
		case wire.OpDATA:
			if p.Block != block {
				t.Fatalf("want DATA block %d, got %d", block, p.Block)
			}
			if err := cli.SendTo(wire.NewAck(p.Block), srvAddr); err != nil {
				t.Fatal(err)
			}
			if len(p.Payload) < 512 {
				break loop
			}
			block++
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

func TestAbortsOnPeerError(t *testing.T) {
	path := writeTempFile(t, make([]byte, 10))
	f, err := mmapfile.OpenSend(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	srvConn, cliConn, srvAddr, cliAddr := loopbackPair(t)
	srv := netio.New(srvConn, netio.Config{})
	cli := netio.New(cliConn, netio.Config{})

	done := make(chan Outcome, 1)
	go func() {
		e := New(srv, cliAddr, f, Config{Role: RoleServer, StopAndWait: true})
		done <- e.Run()
	}()

	// consume ACK(0) and the first DATA, then abort.
	if _, err := cli.RecvExpecting(srvAddr); err != nil {
		t.Fatal(err)
	}
	if _, err := cli.RecvExpecting(srvAddr); err != nil {
		t.Fatal(err)
	}
	if err := cli.SendTo(wire.NewError(wire.ErrDiskFull, "nope"), srvAddr); err != nil {
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
