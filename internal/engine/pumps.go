package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/asyncip/engine/internal/transport"
)

// pumps is C7+C8: the read and write background workers, started lazily by
// Engine.Open and stopped once the registry empties.
type pumps struct {
	reg     *registry
	pollset transport.Pollset
	hooks   receiveHooks
	logger  *slog.Logger
	metrics MetricsRecorder
	close   func(id int64)

	pollTimeout     time.Duration
	writeTick       time.Duration
	pumpJoinTimeout time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newPumps(
	reg *registry,
	pollset transport.Pollset,
	hooks receiveHooks,
	logger *slog.Logger,
	metrics MetricsRecorder,
	pollTimeout, writeTick, pumpJoinTimeout time.Duration,
) *pumps {
	return &pumps{
		reg:             reg,
		pollset:         pollset,
		hooks:           hooks,
		logger:          logger,
		metrics:         metrics,
		pollTimeout:     pollTimeout,
		writeTick:       writeTick,
		pumpJoinTimeout: pumpJoinTimeout,
		stopCh:          make(chan struct{}),
	}
}

// withClose attaches the close callback used when a connection needs
// removal (ErrRemoteClosed, ErrSend). Set before start.
func (p *pumps) withClose(fn func(id int64)) *pumps {
	p.close = fn
	return p
}

func (p *pumps) start() {
	p.wg.Add(2)
	go p.readLoop()
	go p.writeLoop()
}

// stop signals both pumps and watches for their exit in the background,
// logging (not blocking the caller, nor panicking) if PumpJoinTimeout is
// exceeded, in which case the pump is simply abandoned. The join is
// asynchronous because stop may itself be invoked from within a pump
// goroutine (a connection closing on its own pump tick can drain the
// registry to zero); a synchronous Wait here would deadlock against that
// same goroutine's pending wg.Done.
func (p *pumps) stop() {
	close(p.stopCh)

	go func() {
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(p.pumpJoinTimeout):
			p.logger.Warn("pump join timed out, abandoning", slog.Duration("timeout", p.pumpJoinTimeout))
			if p.metrics != nil {
				p.metrics.IncPumpJoinTimeout()
			}
		}
	}()
}

// readLoop is C7: wait for readiness, then dispatch receive across every
// live connection.
func (p *pumps) readLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		n, err := p.pollset.Wait(int(p.pollTimeout / time.Millisecond))
		if err != nil {
			p.logger.Warn("pollset wait failed", slog.String("error", err.Error()))
			continue
		}
		if n == 0 {
			continue
		}

		p.reg.forEachID(p.receiveOne)
	}
}

func (p *pumps) receiveOne(id int64) {
	c, release := p.reg.acquire(id)
	if c == nil {
		return
	}

	// A UDP pseudo-client shares its parent's fd and is never driven
	// directly by the pollset; its payloads arrive via the parent
	// server's own receive (connection.go's receiveUDPServer).
	if c.kind == kindUDPPseudoClient {
		release()
		return
	}
	if c.inbound.full() {
		release()
		return
	}

	ready := p.pollset.IsReadable(c.fd)
	c.receive(ready, p.hooks)
	wantsClose := c.wantsClose()
	release()

	if wantsClose && p.close != nil {
		p.close(id)
	}
}

// writeLoop is C8: drain one outbound message per connection per tick.
func (p *pumps) writeLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.writeTick)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reg.forEachID(p.sendOne)
		}
	}
}

func (p *pumps) sendOne(id int64) {
	c, release := p.reg.acquire(id)
	if c == nil {
		return
	}

	m, ok := c.outbound.tryDequeue()
	if !ok {
		release()
		return
	}

	err := c.send(m)
	release()
	if err != nil && errors.Is(err, ErrSend) && p.close != nil {
		p.close(id)
	}
}
