// Package download coordinates a torrent download: it owns the pool of
// peer sessions, schedules block requests against the piece manager and
// hands verified pieces to storage.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"gobt/internal/metainfo"
	"gobt/internal/peerwire"
	"gobt/internal/pieces"
)

// ErrStalled is returned when no connected or known peer can supply the
// remaining pieces.
var ErrStalled = errors.New("download stalled: no peer can supply the remaining pieces")

// receiveSlice is the read granularity of a session loop; between reads
// the loop schedules requests, expires timeouts and sends keep-alives.
const receiveSlice = time.Second

// reconcileInterval is how often the coordinator re-checks its session
// pool between peer-source polls.
const reconcileInterval = 2 * time.Second

// uselessGrace is how long a connected peer may advertise nothing we need
// before its session is retired.
const uselessGrace = 30 * time.Second

// maxPollFailures is how many consecutive peer-source failures, with no
// session open, are treated as source exhaustion.
const maxPollFailures = 5

// Coordinator drives one torrent to completion.
type Coordinator struct {
	info    *metainfo.Info
	cfg     Config
	source  PeerSource
	manager *pieces.Manager
	log     *zap.Logger

	mu       sync.Mutex
	active   map[string]*handle
	attempts map[string]int

	fatalC chan error
}

// handle is the coordinator's channel to a session goroutine; the session
// itself is owned exclusively by that goroutine.
type handle struct {
	cancels chan peerwire.Request
}

// New builds a coordinator for one torrent. Verified pieces are written to
// storage at offset pieceIndex*pieceLength.
func New(info *metainfo.Info, storage io.WriterAt, source PeerSource, cfg Config, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		info:     info,
		cfg:      cfg.withDefaults(),
		source:   source,
		manager:  pieces.NewManager(info, storage, log),
		log:      log,
		active:   make(map[string]*handle),
		attempts: make(map[string]int),
		fatalC:   make(chan error, 1),
	}
}

// Progress returns the verified fraction of the torrent.
func (c *Coordinator) Progress() float64 { return c.manager.Progress() }

// ActivePeers returns the number of open sessions.
func (c *Coordinator) ActivePeers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Run downloads until every piece is verified and stored, the download
// stalls, storage fails, or ctx is cancelled. All sessions are closed
// before it returns.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.manager.Complete() {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	var lastPoll time.Time
	exhausted := false
	pollFailures := 0

	for {
		if lastPoll.IsZero() || time.Since(lastPoll) >= c.cfg.PollInterval || c.idle() {
			added, err := c.pollSource(ctx)
			lastPoll = time.Now()
			if err != nil {
				// A failed announce is transient; the next tick retries.
				// Only a run of consecutive failures counts as exhaustion.
				pollFailures++
				if ctx.Err() == nil {
					c.log.Warn("peer source poll failed", zap.Error(err))
				}
				exhausted = pollFailures >= maxPollFailures
			} else {
				pollFailures = 0
				exhausted = added == 0
			}
		}
		c.spawn(ctx, &wg)
		if exhausted && c.idle() {
			if err := ctx.Err(); err != nil {
				return err
			}
			return ErrStalled
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.manager.Done():
			c.log.Info("download complete")
			return nil
		case err := <-c.fatalC:
			return err
		case <-ticker.C:
		}
	}
}

// idle reports whether no session is open and no known address is worth
// another dial.
func (c *Coordinator) idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.active) > 0 {
		return false
	}
	for addr, n := range c.attempts {
		if _, busy := c.active[addr]; !busy && n < c.cfg.DialAttempts {
			return false
		}
	}
	return true
}

// pollSource asks the peer source for addresses and returns how many were
// previously unknown. Duplicates are idempotent.
func (c *Coordinator) pollSource(ctx context.Context) (int, error) {
	addrs, err := c.source.Peers(ctx)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	added := 0
	for _, addr := range addrs {
		if _, known := c.attempts[addr]; !known {
			c.attempts[addr] = 0
			added++
		}
	}
	return added, nil
}

// spawn opens sessions for known addresses up to the connection bound.
func (c *Coordinator) spawn(ctx context.Context, wg *sync.WaitGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, n := range c.attempts {
		if len(c.active) >= c.cfg.MaxPeers {
			return
		}
		if _, busy := c.active[addr]; busy || n >= c.cfg.DialAttempts {
			continue
		}
		c.attempts[addr]++
		h := &handle{cancels: make(chan peerwire.Request, 16)}
		c.active[addr] = h
		wg.Add(1)
		go func(addr string, h *handle) {
			defer wg.Done()
			c.runSession(ctx, addr, h)
		}(addr, h)
	}
}

func (c *Coordinator) retire(addr string) {
	c.manager.ReleaseAll(addr)
	c.mu.Lock()
	delete(c.active, addr)
	c.mu.Unlock()
}

func (c *Coordinator) runSession(ctx context.Context, addr string, h *handle) {
	defer c.retire(addr)

	s := peerwire.NewSession(addr, c.info.InfoHash, c.cfg.PeerID, c.info.NumPieces(), c.log)
	defer s.Close()

	if err := s.Connect(ctx, c.cfg.DialTimeout); err != nil {
		c.log.Debug("connect failed", zap.String("peer", addr), zap.Error(err))
		return
	}
	if err := s.Handshake(c.cfg.HandshakeTimeout, c.manager.Bitfield()); err != nil {
		c.log.Debug("handshake failed", zap.String("peer", addr), zap.Error(err))
		return
	}
	c.log.Debug("session ready", zap.String("peer", addr))
	c.sessionLoop(ctx, s, h)
}

// sessionLoop is the per-peer schedule/read cycle. Faults at this layer
// retire the session; they are never fatal to the download.
func (c *Coordinator) sessionLoop(ctx context.Context, s *peerwire.Session, h *handle) {
	addr := s.Addr()
	lastKeepAlive := time.Now()
	var uselessSince time.Time

	for ctx.Err() == nil {
		// Redundant endgame requests satisfied elsewhere.
		for drained := false; !drained; {
			select {
			case req := <-h.cancels:
				if err := s.SendCancel(req); err != nil {
					return
				}
			default:
				drained = true
			}
		}

		for _, req := range s.Expired(c.cfg.RequestTimeout) {
			c.manager.RequestTimedOut(addr, req.Index, req.Begin)
		}

		if c.manager.Needs(s.Availability()) {
			uselessSince = time.Time{}
			if err := s.SendInterested(); err != nil {
				return
			}
			if !s.Choked() {
				for s.InflightCount() < c.cfg.PipelineDepth {
					a, ok := c.manager.NextRequest(addr)
					if !ok {
						break
					}
					req := peerwire.Request{Index: a.Index, Begin: a.Begin, Length: a.Length}
					if err := s.SendRequest(req); err != nil {
						c.manager.RequestTimedOut(addr, a.Index, a.Begin)
						return
					}
				}
			}
		} else if s.InflightCount() == 0 {
			if uselessSince.IsZero() {
				uselessSince = time.Now()
			} else if time.Since(uselessSince) > uselessGrace {
				c.log.Debug("peer has nothing we need, retiring", zap.String("peer", addr))
				return
			}
		}

		if time.Since(lastKeepAlive) >= c.cfg.KeepAliveInterval {
			if err := s.SendKeepAlive(); err != nil {
				return
			}
			lastKeepAlive = time.Now()
		}
		if s.IdleFor() > c.cfg.IdleTimeout {
			c.log.Debug("peer idle, retiring", zap.String("peer", addr))
			return
		}

		msg, err := s.Receive(receiveSlice)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			c.log.Debug("session ended", zap.String("peer", addr), zap.Error(err))
			return
		}
		if msg == nil {
			continue // keep-alive
		}
		if err := c.handleMessage(s, h, msg); err != nil {
			if !errors.Is(err, context.Canceled) {
				c.reportFatal(err)
			}
			return
		}
	}
}

// handleMessage forwards session events to the piece manager. The session
// has already applied its own view updates.
func (c *Coordinator) handleMessage(s *peerwire.Session, h *handle, msg *peerwire.Message) error {
	addr := s.Addr()
	switch msg.ID {
	case peerwire.MsgBitfield:
		c.manager.PeerBitfield(addr, s.Availability())
	case peerwire.MsgHave:
		index, err := peerwire.ParseHave(msg)
		if err != nil {
			return nil // session already rejected it
		}
		c.manager.PeerHave(addr, index)
	case peerwire.MsgChoke:
		for _, req := range s.ClearInflight() {
			c.manager.RequestTimedOut(addr, req.Index, req.Begin)
		}
	case peerwire.MsgPiece:
		index, begin, data, err := peerwire.ParsePiece(msg)
		if err != nil {
			return nil
		}
		cancels, err := c.manager.BlockReceived(addr, index, begin, data)
		if err != nil {
			return fmt.Errorf("storing block %d/%d: %w", index, begin, err)
		}
		c.routeCancels(cancels)
		if c.manager.Bitfield().Has(index) {
			// Piece just completed; tell this peer.
			if err := s.SendHave(index); err != nil {
				c.log.Debug("have announce failed", zap.String("peer", addr), zap.Error(err))
			}
		}
	}
	return nil
}

// routeCancels forwards cancel requests to the sessions still holding a
// block that another peer has already delivered.
func (c *Coordinator) routeCancels(cancels []pieces.Assignment) {
	if len(cancels) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range cancels {
		h, ok := c.active[a.Peer]
		if !ok {
			continue
		}
		select {
		case h.cancels <- peerwire.Request{Index: a.Index, Begin: a.Begin, Length: a.Length}:
		default:
			// Queue full; the duplicate block arriving is harmless.
		}
	}
}

func (c *Coordinator) reportFatal(err error) {
	select {
	case c.fatalC <- err:
	default:
	}
}
