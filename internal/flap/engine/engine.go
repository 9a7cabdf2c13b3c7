// Package engine drives a split-flap board from a paged, periodically
// refreshed dataset.
//
// All board state is owned by the goroutine running Engine.Run. Fetches run
// on their own goroutines and hand results back over a channel; viewers and
// admin handlers talk to the loop through request channels. Step advances
// virtual time directly and is what tests use instead of Run.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"flapboard.app/internal/feed"
	"flapboard.app/internal/flap/board"
	"flapboard.app/internal/flap/hub"
	"flapboard.app/internal/flap/sched"
	"flapboard.app/internal/protocol"
)

var (
	// ErrReloaded is returned by Run once a reset has cleared the board and
	// the settle delay has passed. The host builds a fresh engine.
	ErrReloaded        = errors.New("engine: board reloaded")
	ErrStopped         = errors.New("engine: not running")
	ErrResetInProgress = errors.New("engine: reset already in progress")
)

const (
	DefaultStagger    = time.Second
	DefaultSettle     = 2 * time.Second
	DefaultFade       = 60 * time.Millisecond
	DefaultTickRateHz = 30
	DefaultPageEvery  = 30 * time.Second
)

type Config struct {
	NumRows    int
	Template   board.Template
	Stagger    time.Duration
	Settle     time.Duration
	Fade       time.Duration
	TickRateHz int
	Items      ItemsConfig
}

func (c Config) withDefaults() Config {
	if c.NumRows <= 0 {
		c.NumRows = board.DefaultNumRows
	}
	if c.Stagger <= 0 {
		c.Stagger = DefaultStagger
	}
	if c.Settle <= 0 {
		c.Settle = DefaultSettle
	}
	if c.Fade <= 0 {
		c.Fade = DefaultFade
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = DefaultTickRateHz
	}
	if c.Items.NumRows <= 0 {
		c.Items.NumRows = c.NumRows
	}
	if c.Items.MaxResults <= 0 {
		c.Items.MaxResults = c.Items.NumRows
	}
	if c.Items.PageInterval <= 0 {
		c.Items.PageInterval = DefaultPageEvery
	}
	return c
}

type Fetcher interface {
	Fetch(ctx context.Context) feed.Result
}

// PassLogger receives one entry per fetch, page, pass, reset and signal.
type PassLogger interface {
	WriteEntry(entry LogEntry) error
}

type PassIndex interface {
	RecordPass(rec PassRecord)
}

const (
	EntryFetch  = "fetch"
	EntryPage   = "page"
	EntryPass   = "pass"
	EntryReset  = "reset"
	EntrySignal = "signal"
)

type LogEntry struct {
	Tick    uint64 `json:"tick"`
	TimeMS  int64  `json:"time_ms"`
	Kind    string `json:"kind"`
	FetchID string `json:"fetch_id,omitempty"`
	Plugin  string `json:"plugin,omitempty"`
	Items   int    `json:"items,omitempty"`
	Pass    uint64 `json:"pass,omitempty"`
	Page    int    `json:"page"`
	Pages   int    `json:"pages,omitempty"`
	Records int    `json:"records,omitempty"`
	Signal  string `json:"signal,omitempty"`
	Err     string `json:"err,omitempty"`
}

type PassRecord struct {
	Pass    uint64
	Page    int
	Pages   int
	Records int
	Tick    uint64
	TimeMS  int64
	At      time.Time
}

type Engine struct {
	cfg     Config
	log     logrus.FieldLogger
	clock   *sched.Scheduler
	board   *board.Board
	seq     *Sequencer
	pager   *Pager
	hub     *hub.Hub
	fetcher Fetcher

	passLog   PassLogger
	passIndex PassIndex

	ctx      context.Context
	fetched  chan feed.Result
	subReq   chan subscribeReq
	bootReq  chan chan protocol.BootstrapMsg
	resetReq chan chan resetResp
	done     chan struct{}

	tick     uint64
	started  bool
	fetching bool
	reloaded bool
	signals  []protocol.SignalMsg
	stats    counters

	metrics atomic.Value
}

type counters struct {
	passes, pages, fetches, fetchFailures, resets, frames uint64
}

type subscribeReq struct {
	name  string
	queue int
	resp  chan subscribeResp
}

type subscribeResp struct {
	boot protocol.BootstrapMsg
	sub  *hub.Subscription
	err  error
}

type resetResp struct {
	tick uint64
	err  error
}

func New(cfg Config, fetcher Fetcher, log logrus.FieldLogger) (*Engine, error) {
	if fetcher == nil {
		return nil, errors.New("engine: nil fetcher")
	}
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	clock := sched.New()
	b, err := board.New(board.Config{NumRows: cfg.NumRows, Template: cfg.Template, Fade: cfg.Fade}, clock)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		log:      log.WithField("component", "engine"),
		clock:    clock,
		board:    b,
		hub:      hub.New(),
		fetcher:  fetcher,
		ctx:      context.Background(),
		fetched:  make(chan feed.Result, 1),
		subReq:   make(chan subscribeReq, 16),
		bootReq:  make(chan chan protocol.BootstrapMsg, 16),
		resetReq: make(chan chan resetResp, 4),
		done:     make(chan struct{}),
	}
	e.seq = NewSequencer(b, clock, cfg.Stagger, cfg.Settle)
	e.seq.OnPassDone(e.passDone)
	e.seq.OnReload(e.reload)
	e.pager = NewPager(cfg.Items, clock, e.seq, e.requestFetch)
	e.pager.OnPage(e.pageShown)
	e.updateMetrics()
	return e, nil
}

func (e *Engine) SetPassLogger(l PassLogger) { e.passLog = l }
func (e *Engine) SetPassIndex(ix PassIndex)  { e.passIndex = ix }

func (e *Engine) Hub() *hub.Hub  { return e.hub }
func (e *Engine) Config() Config { return e.cfg }

// Run drives the engine at TickRateHz until ctx is done or a reset completes.
func (e *Engine) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(e.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(e.done)
	defer e.hub.Close()

	e.ctx = ctx
	e.Start()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-e.fetched:
			e.applyFetch(res)
		case req := <-e.subReq:
			boot, sub, err := e.subscribe(req.name, req.queue)
			req.resp <- subscribeResp{boot: boot, sub: sub, err: err}
		case resp := <-e.bootReq:
			resp <- e.bootstrap("")
		case resp := <-e.resetReq:
			tick, err := e.reset()
			resp <- resetResp{tick: tick, err: err}
		case <-ticker.C:
			e.Step(interval)
			if e.reloaded {
				e.log.WithField("tick", e.tick).Info("board reloaded")
				return ErrReloaded
			}
		}
	}
}

// Start asks the pager for its first dataset. Run calls it; tests driving
// the engine with Step call it directly.
func (e *Engine) Start() {
	if e.started {
		return
	}
	e.started = true
	e.pager.Start()
}

// Step advances virtual time by d, fires due timers and publishes the frame
// and signals they produced.
func (e *Engine) Step(d time.Duration) {
	e.clock.Advance(d)
	e.tick++
	e.flush()
	e.updateMetrics()
}

func (e *Engine) Reloaded() bool { return e.reloaded }

func (e *Engine) requestFetch() {
	if e.fetching {
		return
	}
	e.fetching = true
	ctx := e.ctx
	go func() {
		res := e.fetcher.Fetch(ctx)
		select {
		case e.fetched <- res:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) applyFetch(res feed.Result) {
	e.fetching = false
	e.stats.fetches++
	entry := LogEntry{Kind: EntryFetch, FetchID: res.ID, Plugin: res.Plugin, Items: len(res.Items)}
	if res.Err != nil {
		e.stats.fetchFailures++
		entry.Err = res.Err.Error()
		e.writeLog(entry)
		e.log.WithError(res.Err).WithField("fetch_id", res.ID).Warn("keeping board after failed fetch")
		e.pager.Fail()
		return
	}
	e.writeLog(entry)
	e.pager.Receive(res.Items)
}

func (e *Engine) pageShown(page, pages int) {
	e.stats.pages++
	e.writeLog(LogEntry{Kind: EntryPage, Page: page, Pages: pages})
}

func (e *Engine) passDone(p Pass) {
	e.stats.passes++
	e.signals = append(e.signals, protocol.SignalMsg{
		Type:            protocol.TypeSignal,
		ProtocolVersion: protocol.Version,
		Name:            protocol.SignalPassDone,
		Page:            p.Page,
		Pages:           p.Pages,
	})
	e.writeLog(LogEntry{Kind: EntryPass, Pass: p.ID, Page: p.Page, Pages: p.Pages, Records: p.Records})
	if e.passIndex != nil {
		e.passIndex.RecordPass(PassRecord{
			Pass:    p.ID,
			Page:    p.Page,
			Pages:   p.Pages,
			Records: p.Records,
			Tick:    e.tick,
			TimeMS:  e.clock.Now().Milliseconds(),
			At:      time.Now().UTC(),
		})
	}
}

func (e *Engine) reload() {
	e.reloaded = true
	e.signals = append(e.signals, protocol.SignalMsg{
		Type:            protocol.TypeSignal,
		ProtocolVersion: protocol.Version,
		Name:            protocol.SignalReload,
	})
}

func (e *Engine) reset() (uint64, error) {
	if !e.seq.Reset() {
		return e.tick, ErrResetInProgress
	}
	e.pager.Stop()
	e.stats.resets++
	e.writeLog(LogEntry{Kind: EntryReset})
	e.log.WithField("tick", e.tick).Info("board reset requested")
	return e.tick, nil
}

func (e *Engine) flush() {
	changes, status := e.board.DrainChanges()
	if len(changes) > 0 || len(status) > 0 {
		e.publish(protocol.FrameMsg{
			Type:            protocol.TypeFrame,
			ProtocolVersion: protocol.Version,
			Tick:            e.tick,
			TimeMS:          e.clock.Now().Milliseconds(),
			Changes:         changes,
			Status:          status,
		})
		e.stats.frames++
	}
	for _, sig := range e.signals {
		sig.Tick = e.tick
		e.publish(sig)
		e.writeLog(LogEntry{Kind: EntrySignal, Signal: sig.Name, Page: sig.Page, Pages: sig.Pages})
	}
	e.signals = e.signals[:0]
}

func (e *Engine) publish(msg any) {
	b, err := json.Marshal(msg)
	if err != nil {
		e.log.WithError(err).Error("encode viewer message")
		return
	}
	e.hub.Publish(b)
}

func (e *Engine) writeLog(entry LogEntry) {
	if e.passLog == nil {
		return
	}
	entry.Tick = e.tick
	entry.TimeMS = e.clock.Now().Milliseconds()
	if err := e.passLog.WriteEntry(entry); err != nil {
		e.log.WithError(err).Warn("pass log write failed")
	}
}

func (e *Engine) bootstrap(session string) protocol.BootstrapMsg {
	return protocol.BootstrapMsg{
		Type:            protocol.TypeBootstrap,
		ProtocolVersion: protocol.Version,
		SessionID:       session,
		Tick:            e.tick,
		TimeMS:          e.clock.Now().Milliseconds(),
		Board:           e.board.Params(e.cfg.Stagger),
		Rows:            e.board.Snapshot(),
	}
}

// subscribe registers a viewer between ticks, so the bootstrap snapshot and
// the first frame it receives line up.
func (e *Engine) subscribe(name string, queue int) (protocol.BootstrapMsg, *hub.Subscription, error) {
	session := uuid.NewString()
	sub, err := e.hub.Subscribe(session, name, queue)
	if err != nil {
		return protocol.BootstrapMsg{}, nil, err
	}
	return e.bootstrap(session), sub, nil
}

// Subscribe is safe to call from other goroutines (e.g. viewer handlers).
func (e *Engine) Subscribe(ctx context.Context, name string, queue int) (protocol.BootstrapMsg, *hub.Subscription, error) {
	req := subscribeReq{name: name, queue: queue, resp: make(chan subscribeResp, 1)}
	select {
	case e.subReq <- req:
	case <-e.done:
		return protocol.BootstrapMsg{}, nil, ErrStopped
	case <-ctx.Done():
		return protocol.BootstrapMsg{}, nil, ctx.Err()
	}
	select {
	case r := <-req.resp:
		return r.boot, r.sub, r.err
	case <-e.done:
		return protocol.BootstrapMsg{}, nil, ErrStopped
	case <-ctx.Done():
		return protocol.BootstrapMsg{}, nil, ctx.Err()
	}
}

// RequestBootstrap returns the board parameters and current snapshot.
func (e *Engine) RequestBootstrap(ctx context.Context) (protocol.BootstrapMsg, error) {
	resp := make(chan protocol.BootstrapMsg, 1)
	select {
	case e.bootReq <- resp:
	case <-e.done:
		return protocol.BootstrapMsg{}, ErrStopped
	case <-ctx.Done():
		return protocol.BootstrapMsg{}, ctx.Err()
	}
	select {
	case b := <-resp:
		return b, nil
	case <-e.done:
		return protocol.BootstrapMsg{}, ErrStopped
	case <-ctx.Done():
		return protocol.BootstrapMsg{}, ctx.Err()
	}
}

// RequestReset asks the loop to clear the board and reload.
func (e *Engine) RequestReset(ctx context.Context) (uint64, error) {
	resp := make(chan resetResp, 1)
	select {
	case e.resetReq <- resp:
	case <-e.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.tick, r.err
	case <-e.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
