package engine

import (
	"time"

	"flapboard.app/internal/feed"
	"flapboard.app/internal/flap/board"
	"flapboard.app/internal/flap/sched"
)

type PagerState string

const (
	PagerIdle    PagerState = "idle"
	PagerPaging  PagerState = "paging"
	PagerWaiting PagerState = "waiting"
	PagerStopped PagerState = "stopped"
)

// ItemsConfig is the items section of board.yaml.
type ItemsConfig struct {
	Plugin       string
	NumRows      int
	MaxResults   int
	PageInterval time.Duration
	Sort         string
	Order        feed.Order
}

// Pager slices a dataset into pages of at most NumRows records, hands each
// page to the sequencer one PageInterval apart, then asks for fresh data.
//
//	Idle -> Paging -> ... -> Waiting -> Idle (refresh)
type Pager struct {
	cfg     ItemsConfig
	clock   *sched.Scheduler
	seq     *Sequencer
	request func()

	state      PagerState
	items      []feed.Item
	numResults int
	numPages   int
	page       int
	timer      sched.TimerID
	hasTimer   bool

	onPage func(page, pages int)
}

func NewPager(cfg ItemsConfig, clock *sched.Scheduler, seq *Sequencer, request func()) *Pager {
	return &Pager{cfg: cfg, clock: clock, seq: seq, request: request, state: PagerIdle}
}

func (p *Pager) OnPage(fn func(page, pages int)) { p.onPage = fn }

func (p *Pager) State() PagerState { return p.state }
func (p *Pager) Page() int         { return p.page }
func (p *Pager) Pages() int        { return p.numPages }
func (p *Pager) Results() int      { return p.numResults }

// Start requests the first dataset.
func (p *Pager) Start() {
	if p.state != PagerIdle {
		return
	}
	p.request()
}

// Receive starts a paging cycle over a freshly fetched dataset.
func (p *Pager) Receive(items []feed.Item) {
	if p.state == PagerStopped {
		return
	}
	p.cancelTimer()

	sorted := append([]feed.Item(nil), items...)
	feed.Sort(sorted, p.cfg.Sort, p.cfg.Order)

	p.numResults = len(sorted)
	if p.cfg.MaxResults > 0 && p.numResults > p.cfg.MaxResults {
		p.numResults = p.cfg.MaxResults
	}
	p.items = sorted[:p.numResults]
	per := p.perPage()
	p.numPages = (p.numResults + per - 1) / per
	if p.numPages == 0 {
		p.numPages = 1
	}
	p.page = 0
	p.state = PagerPaging
	p.showPage()
}

// Fail keeps the board as it is and asks again after one PageInterval.
func (p *Pager) Fail() {
	if p.state == PagerStopped {
		return
	}
	p.cancelTimer()
	p.state = PagerWaiting
	p.after(p.refresh)
}

// Stop cancels any pending page or refresh. A stopped pager ignores data.
func (p *Pager) Stop() {
	p.cancelTimer()
	p.state = PagerStopped
}

func (p *Pager) showPage() {
	per := p.perPage()
	start := p.page * per
	end := min(start+per, p.numResults)
	recs := make([]board.Record, 0, end-start)
	for _, it := range p.items[start:end] {
		recs = append(recs, it)
	}
	p.seq.LoadSequentially(recs, p.page, p.numPages)
	if p.onPage != nil {
		p.onPage(p.page, p.numPages)
	}
	p.page++

	if p.page < p.numPages {
		p.after(p.showPage)
		return
	}
	p.state = PagerWaiting
	p.after(p.refresh)
}

func (p *Pager) refresh() {
	p.hasTimer = false
	p.state = PagerIdle
	p.request()
}

func (p *Pager) after(fn func()) {
	p.timer = p.clock.After(p.cfg.PageInterval, func() {
		p.hasTimer = false
		fn()
	})
	p.hasTimer = true
}

func (p *Pager) cancelTimer() {
	if p.hasTimer {
		p.clock.Cancel(p.timer)
		p.hasTimer = false
	}
}

func (p *Pager) perPage() int {
	n := p.cfg.NumRows
	if rows := p.seq.board.NumRows(); n <= 0 || n > rows {
		n = rows
	}
	return n
}
