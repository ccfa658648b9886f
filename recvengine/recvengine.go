// Package recvengine implements the receive side of the windowed transfer:
// it grows a writable file mapping as DATA blocks arrive, tracks which
// blocks have landed in a bitset, and drives a cumulative ACK off the
// contiguous-from-zero high-water mark.
package recvengine

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

// MaxAttempts bounds the "Giving up" ERROR burst on fatal failure, matching
// sendengine.MaxAttempts.
const MaxAttempts = 8

// totalInactivity is the total-timeout ceiling with no successful receive.
const totalInactivity = 10 * time.Second

// blockSize is the DATA payload size for all but the final block.
const blockSize = 512

// Result is the engine's terminal state.
type Result uint8

const (
	ResultReady Result = iota
	ResultErr
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
	Logger *slog.Logger

	// SkipInitialAck suppresses the ACK(0) this engine would otherwise send
	// on initialization. The WRQ-receiving side (always the server in this
	// session controller) needs that ACK(0): it's what the peer's send
	// engine in client role is waiting for before it starts the initial
	// window. The RRQ-receiving side (the client requesting a download) is
	// talking to a send engine in *server* role instead, which already
	// emits its own ACK(0) on receiving the RRQ — so a downloading client
	// sets this to avoid sending a second, meaningless one.
	SkipInitialAck bool

	Metrics *metrics.Session
	Now     func() time.Time
}

// Engine is the receive-side cumulative-ACK state machine.
type Engine struct {
	ep   *netio.Endpoint
	peer *net.UDPAddr
	file *mmapfile.Recv
	cfg  Config
	log  *slog.Logger

	// numBlocks is unknown until the final short/empty DATA arrives; until
	// then it tracks one past the highest block index observed.
	numBlocks   int
	received    bitset.Set
	consecRecv  int
	gotFinal    bool
	highestSeen int

	gap rtt.GapEstimator
	now func() time.Time

	lastActivity time.Time
	finalSize    int64
}

// New constructs an Engine over file, which must already be open via
// mmapfile.CreateRecv.
func New(ep *netio.Endpoint, peer *net.UDPAddr, file *mmapfile.Recv, cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		ep:          ep,
		peer:        peer,
		file:        file,
		cfg:         cfg,
		log:         cfg.Logger,
		numBlocks:   1, // grown as higher blocks are observed
		received:    bitset.New(1),
		consecRecv:  -1,
		highestSeen: -1,
		gap:         rtt.NewGap(now),
		now:         now,
	}
}

// Run drives the engine to completion: it sends ACK(0) (unless
// Config.SkipInitialAck is set), then loops on incoming DATA until the final
// contiguous block lands or a failure occurs.
func (e *Engine) Run() Outcome {
	if !e.cfg.SkipInitialAck {
		if err := e.ep.SendTo(wire.NewAck(0), e.peer); err != nil {
			return Outcome{Result: ResultErr, Err: err}
		}
	}
	e.lastActivity = e.now()
	return e.loop()
}

func (e *Engine) loop() Outcome {
	for {
		remaining := totalInactivity - e.now().Sub(e.lastActivity)
		if remaining <= 0 {
			return Outcome{Result: ResultErr, Err: errors.New("recvengine: total inactivity timeout")}
		}
		timeout := e.gap.ReadTimeout()
		if timeout > remaining {
			timeout = remaining
		}
		if err := e.ep.SetTimeout(timeout); err != nil {
			return Outcome{Result: ResultErr, Err: err}
		}
		p, err := e.ep.RecvExpecting(e.peer)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if isFatal(err) {
				e.giveUp(err)
				return Outcome{Result: ResultErr, Err: err}
			}
			continue
		}

		switch p.Op {
		case wire.OpDATA:
			e.gap.Observe()
			e.lastActivity = e.now()
			if outcome, done, err := e.onData(p.Block, p.Payload); err != nil {
				e.giveUp(err)
				return Outcome{Result: ResultErr, Err: err}
			} else if done {
				return outcome
			}
		case wire.OpERROR:
			return Outcome{Result: ResultAborted, Err: fmt.Errorf("recvengine: peer error: %s", p.Message)}
		default:
			// ignore
		}
	}
}

// onData handles one DATA(b, payload): grows tracking state if needed,
// ensures the file is sized to hold it, writes it, marks completion if it's
// a short final block, advances the contiguous high-water mark, and sends
// the resulting cumulative ACK.
func (e *Engine) onData(b uint32, payload []byte) (Outcome, bool, error) {
	block := int(b)

	if block+1 > e.numBlocks {
		e.growTracking(block + 1)
	}

	needLen := int64(block)*blockSize + int64(len(payload))
	if err := e.file.EnsureSize(needLen); err != nil {
		return Outcome{}, false, err
	}

	e.received.Insert(block)
	if block > e.highestSeen {
		e.highestSeen = block
	}
	if err := e.file.WriteAt(payload, int64(block)*blockSize); err != nil {
		return Outcome{}, false, err
	}
	if len(payload) < blockSize {
		e.gotFinal = true
		e.finalSize = needLen
	}

	e.consecRecv = e.received.ConsecutiveFrom(e.consecRecv + 1)
	if e.consecRecv < 0 {
		// Block 0 hasn't landed yet (spec.md §3: consec_recv is undefined
		// until block 0 is seen). Re-ACK 0, the same cumulative value Run
		// sent at initialization, rather than encode the -1 sentinel: the
		// sender's window still starts at block 0, so nothing is lost by
		// repeating that ACK until the prefix actually advances.
		if err := e.ep.SendTo(wire.NewAck(0), e.peer); err != nil {
			return Outcome{}, false, err
		}
		return Outcome{}, false, nil
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.SetBlocksACKed(uint64(e.consecRecv))
	}
	if err := e.ep.SendTo(wire.NewAck(uint32(e.consecRecv)), e.peer); err != nil {
		return Outcome{}, false, err
	}

	if e.gotFinal && e.consecRecv == e.highestSeen {
		if err := e.file.Finalize(e.finalSize); err != nil {
			return Outcome{}, false, err
		}
		for i := 0; i < 4; i++ {
			if err := e.ep.SendTo(wire.NewAck(uint32(e.consecRecv)), e.peer); err != nil {
				return Outcome{}, false, err
			}
		}
		return Outcome{Result: ResultReady}, true, nil
	}
	return Outcome{}, false, nil
}

func (e *Engine) growTracking(n int) {
	grown := bitset.New(n)
	for i := 0; i < e.numBlocks; i++ {
		if e.received.Has(i) {
			grown.Insert(i)
		}
	}
	e.received = grown
	e.numBlocks = n
}

// giveUp attempts up to MaxAttempts ERROR("Giving up") transmissions on a
// fatal condition.
func (e *Engine) giveUp(cause error) {
	for i := 0; i < MaxAttempts; i++ {
		if err := e.ep.SendTo(wire.NewError(wire.ErrUndefined, "Giving up"), e.peer); err != nil {
			return
		}
	}
	if e.log != nil {
		e.log.Debug("recvengine:giving-up", slog.String("err", cause.Error()))
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, netio.ErrTimeout)
}

// isFatal mirrors sendengine.isFatal; DESIGN.md (open question 5) explains
// why this stays on syscall.Errno rather than a dependency.
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
