package gossip

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/latticenet/overlay/internal/id"
	"github.com/latticenet/overlay/internal/metrics"
	"github.com/latticenet/overlay/internal/topology"
	"github.com/latticenet/overlay/internal/wire"
)

// DefaultLogCapacity bounds the Message Log; spec.md §3 leaves the exact
// cap an implementation choice "bounded by expected network diameter ×
// message rate × retention window". For the reference parameters (5s
// period, 10 originated messages, small diameter) a few hundred entries
// comfortably outlives any message's propagation.
const DefaultLogCapacity = 512

// DefaultPeriod is the gossip origination period, spec.md §4.4 ("5
// seconds in the reference design").
const DefaultPeriod = 5 * time.Second

// DefaultMaxOriginate caps the number of messages a peer originates
// before it stops (and only forwards), spec.md §4.4 ("up to a total of M
// originated messages (10 by default)").
const DefaultMaxOriginate = 10

// Config configures an Engine.
type Config struct {
	Self  id.PeerID
	Table *topology.Table

	LogCapacity  int
	Period       time.Duration
	MaxOriginate int

	Logger  *zap.Logger
	Metrics *metrics.Peer
}

// Engine is the per-peer gossip flood-and-dedup state machine (C4).
type Engine struct {
	cfg Config
	log *Log

	mu         sync.Mutex
	seqNo      int
	originated int

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Engine, applying defaults for unset Config fields.
func New(cfg Config) *Engine {
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = DefaultLogCapacity
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.MaxOriginate <= 0 {
		cfg.MaxOriginate = DefaultMaxOriginate
	}
	return &Engine{
		cfg:  cfg,
		log:  NewLog(cfg.LogCapacity),
		stop: make(chan struct{}),
	}
}

// Log exposes the underlying Message Log, for tests and metrics.
func (e *Engine) Log() *Log { return e.log }

// Start launches the periodic origination timer in the background.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.originateLoop()
}

// Stop halts the origination timer and waits for it to exit.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
}

func (e *Engine) originateLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.originateOnce()
		}
	}
}

// originateOnce emits one GOSSIP message if the origination budget M
// isn't exhausted yet (spec.md §4.4: "then stops originating but
// continues forwarding").
func (e *Engine) originateOnce() {
	e.mu.Lock()
	if e.originated >= e.cfg.MaxOriginate {
		e.mu.Unlock()
		return
	}
	e.originated++
	e.seqNo++
	seqNo := e.seqNo
	e.mu.Unlock()

	ts := time.Now().Unix()
	payload := fmt.Sprintf("%d:%s:%d", ts, e.cfg.Self, seqNo)
	m := wire.Gossip{
		Originator: e.cfg.Self,
		SeqNo:      seqNo,
		Timestamp:  ts,
		Payload:    payload,
	}

	h := Hash(payload)
	e.log.CheckAndRecord(h)

	if e.cfg.Logger != nil {
		e.cfg.Logger.Info("GOSSIP originate", zap.Object("self", e.cfg.Self), zap.Int("seq_no", seqNo), zap.String("hash", h))
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.GossipOrigin.Inc()
	}

	errs := e.cfg.Table.SendExcept(m, id.PeerID{})
	e.logForwardErrors(m, errs)
}

// HandleGossip applies the C4 forwarding rule to a frame received from
// neighbor from: dedup against ML, then best-effort forward to every
// neighbor except from (spec.md §4.4).
func (e *Engine) HandleGossip(from id.PeerID, m wire.Gossip) {
	h := Hash(m.Payload)
	isNew := e.log.CheckAndRecord(h)

	if !isNew {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.GossipDropDup.Inc()
		}
		if e.cfg.Logger != nil {
			e.cfg.Logger.Debug("GOSSIP duplicate: dropping", zap.String("hash", h), zap.Object("from", from))
		}
		return
	}

	if e.cfg.Logger != nil {
		e.cfg.Logger.Info("GOSSIP received", zap.Object("originator", m.Originator), zap.Int("seq_no", m.SeqNo), zap.Object("from", from), zap.String("hash", h))
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.GossipForward.Inc()
	}

	errs := e.cfg.Table.SendExcept(m, from)
	e.logForwardErrors(m, errs)
}

func (e *Engine) logForwardErrors(m wire.Gossip, errs []error) {
	if len(errs) == 0 || e.cfg.Logger == nil {
		return
	}
	for _, err := range errs {
		// Best-effort per spec.md §4.4: a failed send doesn't abort the
		// fan-out or remove the hash from ML.
		e.cfg.Logger.Warn("GOSSIP forward failed", zap.Error(err), zap.Int("seq_no", m.SeqNo))
	}
}
