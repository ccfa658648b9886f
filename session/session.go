// Package session implements the per-peer session controller and a
// multi-session server: one goroutine and one private ephemeral-port
// socket per accepted request.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/windowtftp/tftp/metrics"
	"github.com/windowtftp/tftp/mmapfile"
	"github.com/windowtftp/tftp/netio"
	"github.com/windowtftp/tftp/recvengine"
	"github.com/windowtftp/tftp/sendengine"
	"github.com/windowtftp/tftp/wire"
)

// Fetcher resolves an RRQ filename that is missing from DataDir into a
// locally cached file, letting the server expose remote URLs as TFTP
// filenames. contentcache.Cache satisfies this interface.
type Fetcher interface {
	Fetch(url string) (filename string, err error)
}

// Config configures a Server.
type Config struct {
	// DataDir is the root directory RRQ/WRQ filenames are resolved against.
	DataDir string
	// WindowSize seeds each accepted session's send engine.
	WindowSize int
	// StopAndWait forces every session to window size 1.
	StopAndWait bool
	// DropThreshold is forwarded to each session's private netio.Endpoint.
	DropThreshold int
	// Fetcher, if set, is consulted on a RRQ miss against DataDir: the
	// requested filename is treated as a URL, fetched into DataDir, and
	// served from there. A nil Fetcher disables this fallback.
	Fetcher Fetcher
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
}

// Server owns a well-known listening socket and spawns one session per
// accepted RRQ/WRQ.
type Server struct {
	listener *netio.Endpoint
	cfg      Config
	group    errgroup.Group
}

// NewServer wraps conn (already bound to the server's well-known port) as
// the accepting socket.
func NewServer(conn *net.UDPConn, cfg Config) *Server {
	return &Server{
		listener: netio.New(conn, netio.Config{Logger: cfg.Logger}),
		cfg:      cfg,
	}
}

// Serve peeks requests off the listening socket until ctx is canceled, then
// waits for every spawned session to finish. Each accepted request runs in
// its own goroutine against its own ephemeral-port socket, so one session's
// failure never affects another — hence a plain errgroup.Group here rather
// than errgroup.WithContext, whose first-error cancellation would violate
// that independence.
func (s *Server) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return s.group.Wait()
		default:
		}
		if err := s.listener.SetTimeout(500 * time.Millisecond); err != nil {
			return err
		}
		p, from, err := s.listener.PeekAny()
		if err != nil {
			if errors.Is(err, netio.ErrTimeout) {
				continue
			}
			if s.cfg.Logger != nil {
				s.cfg.Logger.Debug("session:peek-error", slog.String("err", err.Error()))
			}
			continue
		}
		if err := s.listener.Discard(from); err != nil && s.cfg.Logger != nil {
			s.cfg.Logger.Debug("session:discard-error", slog.String("err", err.Error()))
		}

		switch p.Op {
		case wire.OpRRQ, wire.OpWRQ:
			req, peer := p, from
			s.group.Go(func() error {
				return s.runSession(req, peer)
			})
		default:
			// Any other initial kind is ignored.
		}
	}
}

// runSession resolves the request against DataDir and constructs the
// appropriate engine on a fresh ephemeral-port socket, per spec.md §4.6.
func (s *Server) runSession(req wire.Packet, peer *net.UDPAddr) error {
	id := xid.New().String()
	log := s.cfg.Logger
	if log != nil {
		log = log.With(slog.String("session", id), slog.String("peer", peer.String()))
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: s.listener.LocalAddr().IP})
	if err != nil {
		return fmt.Errorf("session: open ephemeral socket: %w", err)
	}
	sessMetrics := &metrics.Session{}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Track(id, sessMetrics)
		defer s.cfg.Metrics.Untrack(id)
	}

	ep := netio.New(conn, netio.Config{
		DropThreshold:   s.cfg.DropThreshold,
		Logger:          log,
		OnSyntheticDrop: sessMetrics.IncSyntheticDrops,
	})
	defer ep.Close()

	path, err := resolvePath(s.cfg.DataDir, req.Filename)
	if err != nil {
		ep.SendTo(wire.NewError(wire.ErrAccessViolation, "invalid filename"), peer)
		return err
	}

	switch req.Op {
	case wire.OpRRQ:
		return s.runSend(ep, peer, path, req.Filename, log, sessMetrics)
	case wire.OpWRQ:
		return s.runRecv(ep, peer, path, log, sessMetrics)
	default:
		return nil
	}
}

func (s *Server) runSend(ep *netio.Endpoint, peer *net.UDPAddr, path, requestedName string, log *slog.Logger, sm *metrics.Session) error {
	f, err := mmapfile.OpenSend(path)
	if err != nil && os.IsNotExist(err) && s.cfg.Fetcher != nil {
		f, err = s.fetchAndOpen(requestedName)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return ep.SendTo(wire.NewError(wire.ErrFileNotFound, "file not found"), peer)
		}
		ep.SendTo(wire.NewError(wire.ErrAccessViolation, "cannot open file"), peer)
		return err
	}
	defer f.Close()

	e := sendengine.New(ep, peer, f, sendengine.Config{
		Role:        sendengine.RoleServer,
		WindowSize:  s.cfg.WindowSize,
		StopAndWait: s.cfg.StopAndWait,
		Logger:      log,
		Metrics:     sm,
		Now:         s.cfg.Now,
	})
	out := e.Run()
	if log != nil {
		log.Debug("session:send-done", slog.String("result", out.Result.String()))
	}
	if out.Result == sendengine.ResultErr {
		return out.Err
	}
	return nil
}

// fetchAndOpen treats requestedName as a URL, fetches it via s.cfg.Fetcher
// into DataDir, and opens the resulting local file.
func (s *Server) fetchAndOpen(requestedName string) (*mmapfile.Send, error) {
	cachedName, err := s.cfg.Fetcher.Fetch(requestedName)
	if err != nil {
		return nil, err
	}
	path, err := resolvePath(s.cfg.DataDir, cachedName)
	if err != nil {
		return nil, err
	}
	return mmapfile.OpenSend(path)
}

func (s *Server) runRecv(ep *netio.Endpoint, peer *net.UDPAddr, path string, log *slog.Logger, sm *metrics.Session) error {
	f, err := mmapfile.CreateRecv(path)
	if err != nil {
		ep.SendTo(wire.NewError(wire.ErrAccessViolation, "cannot create file"), peer)
		return err
	}
	defer f.Close()

	e := recvengine.New(ep, peer, f, recvengine.Config{
		Logger:  log,
		Metrics: sm,
		Now:     s.cfg.Now,
	})
	out := e.Run()
	if log != nil {
		log.Debug("session:recv-done", slog.String("result", out.Result.String()))
	}
	if out.Result == recvengine.ResultErr {
		return out.Err
	}
	return nil
}

// resolvePath joins dir and name, rejecting any result that escapes dir
// (e.g. via "../" components).
func resolvePath(dir, name string) (string, error) {
	joined := filepath.Join(dir, name)
	rel, err := filepath.Rel(dir, joined)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("session: path %q escapes data directory", name)
	}
	return joined, nil
}
