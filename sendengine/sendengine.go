// Package sendengine implements the send side of the windowed transfer: it
// owns a read-only view of the source file, drives a sliding window of
// in-flight DATA blocks, adapts the window multiplicatively on ACKs,
// retransmits on timeout, and terminates on final-ACK.
package sendengine

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/windowtftp/tftp/bitset"
	"github.com/windowtftp/tftp/metrics"
	"github.com/windowtftp/tftp/mmapfile"
	"github.com/windowtftp/tftp/netio"
	"github.com/windowtftp/tftp/rtt"
	"github.com/windowtftp/tftp/wire"
)

// MaxWindow is the largest permitted window size, in blocks.
const MaxWindow = 256

// MaxAttempts bounds consecutive timeouts (and, on the failure path,
// "giving up" ERROR retransmissions) before an engine fails.
const MaxAttempts = 8

// blockSize is the DATA payload size for all but the final block.
const blockSize = 512

// Role selects which side of the initial handshake the engine performs:
// the client sends a WRQ and awaits its ACK(0); the server emits ACK(0) in
// reply to an RRQ.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

// Result is the engine's terminal state.
type Result uint8

const (
	// ResultReady: every block was ACKed through the last one.
	ResultReady Result = iota
	// ResultErr: a fatal local condition (I/O, protocol, timeout) ended the transfer.
	ResultErr
	// ResultAborted: the peer sent an ERROR packet.
	ResultAborted
)

func (r Result) String() string {
	switch r {
	case ResultReady:
		return "Ready"
	case ResultErr:
		return "Err"
	case ResultAborted:
		return "Aborted"
	default:
		return "unknown"
	}
}

// Outcome is the value Run returns.
type Outcome struct {
	Result Result
	Err    error
}

// Config configures an Engine.
type Config struct {
	Role Role
	// Filename and Mode are only consulted by the client role, to build the
	// WRQ packet it sends (and resends on each timeout) while awaiting ACK(0).
	Filename string
	Mode     wire.Mode
	// WindowSize is the initial window, clamped to [1, MaxWindow].
	WindowSize int
	// StopAndWait forces WindowSize to 1 and disables multiplicative growth.
	StopAndWait bool
	// SkipInit bypasses the role-specific initialization handshake (awaiting
	// or emitting ACK(0)). Set this when the caller has already completed
	// that handshake itself — the client CLI does this so it can learn the
	// server's per-session reply address (its TID) from the ACK(0) datagram
	// before the engine's peer is fixed, instead of fixing peer at the
	// well-known server address and never observing the real reply port.
	SkipInit bool
	Logger   *slog.Logger
	Metrics     *metrics.Session
	Now         func() time.Time
}

// Engine is the send-side sliding-window state machine.
type Engine struct {
	ep   *netio.Endpoint
	peer *net.UDPAddr
	file *mmapfile.Send
	cfg  Config
	log  *slog.Logger

	numBlocks int

	windowLo, windowHi int
	windowSize         int
	stopAndWait        bool

	pending   bitset.Set
	sendTimes map[int]time.Time

	rttEst rtt.Estimator

	consecErrors   int
	consecTimeouts int
}

// errInvalidData reports the client-init failure when no ACK(0) for the
// WRQ arrives after MaxAttempts retries.
var errInvalidData = errors.New("sendengine: no ACK(0) received for WRQ")

// New constructs an Engine. file must already be open for the duration of
// the transfer; New does not take ownership of closing it.
func New(ep *netio.Endpoint, peer *net.UDPAddr, file *mmapfile.Send, cfg Config) *Engine {
	windowSize := cfg.WindowSize
	if windowSize < 1 {
		windowSize = 1
	}
	if windowSize > MaxWindow {
		windowSize = MaxWindow
	}
	if cfg.StopAndWait {
		windowSize = 1
	}
	numBlocks := NumBlocks(file.Size())
	return &Engine{
		ep:          ep,
		peer:        peer,
		file:        file,
		cfg:         cfg,
		log:         cfg.Logger,
		numBlocks:   numBlocks,
		windowSize:  windowSize,
		stopAndWait: cfg.StopAndWait,
		pending:     bitset.New(numBlocks),
		sendTimes:   make(map[int]time.Time),
		rttEst:      rtt.New(cfg.Now),
	}
}

// NumBlocks computes the block count for a file of the given size:
// ceil(size/512), plus one extra empty final block iff size is an exact
// multiple of 512 (so the receiver always sees a short final DATA).
func NumBlocks(size int64) int {
	n := int((size + blockSize - 1) / blockSize)
	if size%blockSize == 0 {
		n++
	}
	return n
}

// Run drives the engine to completion: initialization handshake, then the
// steady-state loop, returning the terminal Outcome.
func (e *Engine) Run() Outcome {
	if e.file.Size() >= mmapfile.MaxFileSize {
		return Outcome{Result: ResultErr, Err: mmapfile.ErrFileTooLarge}
	}
	if !e.cfg.SkipInit {
		if err := e.init(); err != nil {
			return Outcome{Result: ResultErr, Err: err}
		}
	}
	e.windowLo = 0
	e.windowHi = min(e.windowSize, e.numBlocks)
	if err := e.sendWindow(); err != nil {
		return Outcome{Result: ResultErr, Err: err}
	}
	return e.loop()
}

func (e *Engine) init() error {
	switch e.cfg.Role {
	case RoleClient:
		return e.awaitInitialAck()
	case RoleServer:
		return e.ep.SendTo(wire.NewAck(0), e.peer)
	default:
		return fmt.Errorf("sendengine: unknown role %d", e.cfg.Role)
	}
}

func (e *Engine) awaitInitialAck() error {
	req := wire.NewWRQ(e.cfg.Filename, e.cfg.Mode)
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if err := e.ep.SendTo(req, e.peer); err != nil {
			return err
		}
		if err := e.ep.SetTimeout(e.rttEst.ReadTimeout()); err != nil {
			return err
		}
		p, err := e.ep.RecvExpecting(e.peer)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if isFatal(err) {
				return err
			}
			continue
		}
		if p.Op == wire.OpACK && p.Block == 0 {
			return nil
		}
		if p.Op == wire.OpERROR {
			return fmt.Errorf("sendengine: peer error: %s", p.Message)
		}
	}
	return errInvalidData
}

func (e *Engine) loop() Outcome {
	for {
		if err := e.ep.SetTimeout(e.rttEst.ReadTimeout()); err != nil {
			return Outcome{Result: ResultErr, Err: err}
		}
		p, err := e.ep.RecvExpecting(e.peer)
		if err != nil {
			if isTimeout(err) {
				outcome, done := e.onTimeout()
				if done {
					return outcome
				}
				continue
			}
			if isFatal(err) {
				e.giveUp(err)
				return Outcome{Result: ResultErr, Err: err}
			}
			e.consecErrors++
			continue
		}
		e.consecErrors = 0
		e.consecTimeouts = 0

		switch p.Op {
		case wire.OpACK:
			if outcome, done := e.onAck(p.Block); done {
				return outcome
			}
		case wire.OpERROR:
			return Outcome{Result: ResultAborted, Err: fmt.Errorf("sendengine: peer error: %s", p.Message)}
		default:
			// ignore
		}
	}
}

func (e *Engine) onTimeout() (Outcome, bool) {
	e.consecTimeouts++
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.IncTimeouts()
	}
	if e.consecTimeouts > MaxAttempts {
		return Outcome{Result: ResultErr, Err: errors.New("sendengine: timeout")}, true
	}
	if err := e.sendWindow(); err != nil {
		return Outcome{Result: ResultErr, Err: err}, true
	}
	return Outcome{}, false
}

func (e *Engine) onAck(b uint32) (Outcome, bool) {
	block := int(b)
	if block < e.windowLo {
		// Stale/duplicate ACK from before the current window: the
		// Sorcerer's-Apprentice mitigation rewinds rather than ignores it.
		e.pending.InsertRange(block+1, e.windowLo)
		e.windowLo = block + 1
		e.windowHi = min(e.windowLo+e.windowSize, e.numBlocks)
		if err := e.sendWindow(); err != nil {
			return Outcome{Result: ResultErr, Err: err}, true
		}
		return Outcome{}, false
	}

	now := e.rttEst.Now()
	for i := e.windowLo; i <= block && i < e.numBlocks; i++ {
		e.pending.Remove(i)
		if sent, ok := e.sendTimes[i]; ok {
			e.rttEst.Observe(now.Sub(sent))
			delete(e.sendTimes, i)
		}
	}

	if !e.stopAndWait {
		if block+1 == e.windowHi {
			e.windowSize = min(e.windowSize*2, MaxWindow)
		} else {
			e.windowSize = max(e.windowSize/2, 1)
		}
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.SetWindowSize(e.windowSize)
		e.cfg.Metrics.SetBlocksACKed(uint64(block))
	}

	e.windowLo = block + 1
	e.windowHi = min(e.windowLo+e.windowSize, e.numBlocks)

	if e.windowLo >= e.numBlocks && e.pending.Count() == 0 {
		return Outcome{Result: ResultReady}, true
	}

	if err := e.sendWindow(); err != nil {
		return Outcome{Result: ResultErr, Err: err}, true
	}
	return Outcome{}, false
}

// sendWindow (re)sends every block currently in [windowLo, windowHi),
// marking each pending and stamping its send time.
func (e *Engine) sendWindow() error {
	retransmitted := 0
	for i := e.windowLo; i < e.windowHi; i++ {
		payload, err := e.getBlock(i)
		if err != nil {
			return err
		}
		if e.pending.Has(i) {
			retransmitted++
		}
		if err := e.ep.SendTo(wire.NewData(uint32(i), payload), e.peer); err != nil {
			return err
		}
		e.pending.Insert(i)
		e.sendTimes[i] = e.rttEst.Now()
	}
	if e.cfg.Metrics != nil && retransmitted > 0 {
		e.cfg.Metrics.IncRetransmits(retransmitted)
	}
	return nil
}

func (e *Engine) getBlock(i int) ([]byte, error) {
	buf := make([]byte, blockSize)
	n, err := e.file.ReadBlock(i, blockSize, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// giveUp attempts up to MaxAttempts ERROR("Giving up") transmissions on a
// fatal condition, best-effort, before the engine returns its error.
func (e *Engine) giveUp(cause error) {
	for i := 0; i < MaxAttempts; i++ {
		if err := e.ep.SendTo(wire.NewError(wire.ErrUndefined, "Giving up"), e.peer); err != nil {
			return
		}
	}
	if e.log != nil {
		e.log.Debug("sendengine:giving-up", slog.String("err", cause.Error()))
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, netio.ErrTimeout)
}

// isFatal classifies a non-timeout I/O error as unrecoverable: connection-
// level errnos, non-timeout net.Error values, and a closed socket all abort
// the transfer rather than retry.
func isFatal(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED,
			syscall.ENOTCONN, syscall.EADDRINUSE, syscall.EADDRNOTAVAIL,
			syscall.EPIPE, syscall.EEXIST, syscall.EINVAL:
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
