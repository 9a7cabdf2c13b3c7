package engine

// Metrics is a read-only view of the engine loop. It is stored from the loop
// goroutine and read from HTTP handlers.
type Metrics struct {
	Tick   uint64 `json:"tick"`
	TimeMS int64  `json:"time_ms"`

	Viewers        int    `json:"viewers"`
	ViewersEvicted uint64 `json:"viewers_evicted"`
	QueuedSteps    int    `json:"queued_steps"`
	Timers         int    `json:"timers"`

	Passes        uint64 `json:"passes"`
	PagesShown    uint64 `json:"pages_shown"`
	Frames        uint64 `json:"frames"`
	Fetches       uint64 `json:"fetches"`
	FetchFailures uint64 `json:"fetch_failures"`
	Resets        uint64 `json:"resets"`

	PagerState     string `json:"pager_state"`
	SequencerState string `json:"sequencer_state"`
	Page           int    `json:"page"`
	Pages          int    `json:"pages"`
	Results        int    `json:"results"`
}

func (e *Engine) Metrics() Metrics {
	if e == nil {
		return Metrics{}
	}
	v := e.metrics.Load()
	if v == nil {
		return Metrics{}
	}
	m, ok := v.(Metrics)
	if !ok {
		return Metrics{}
	}
	return m
}

func (e *Engine) updateMetrics() {
	hs := e.hub.Stats()
	e.metrics.Store(Metrics{
		Tick:           e.tick,
		TimeMS:         e.clock.Now().Milliseconds(),
		Viewers:        hs.Subscribers,
		ViewersEvicted: hs.Evicted,
		QueuedSteps:    e.board.Pending(),
		Timers:         e.clock.Pending(),
		Passes:         e.stats.passes,
		PagesShown:     e.stats.pages,
		Frames:         e.stats.frames,
		Fetches:        e.stats.fetches,
		FetchFailures:  e.stats.fetchFailures,
		Resets:         e.stats.resets,
		PagerState:     string(e.pager.State()),
		SequencerState: string(e.seq.State()),
		Page:           e.pager.Page(),
		Pages:          e.pager.Pages(),
		Results:        e.pager.Results(),
	})
}
