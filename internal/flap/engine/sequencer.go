package engine

import (
	"time"

	"flapboard.app/internal/flap/board"
	"flapboard.app/internal/flap/sched"
)

type SeqState string

const (
	SeqIdle     SeqState = "idle"
	SeqLoading  SeqState = "loading"
	SeqClearing SeqState = "clearing"
	SeqSettling SeqState = "settling"
	SeqReloaded SeqState = "reloaded"
)

// Pass describes one LoadSequentially call.
type Pass struct {
	ID      uint64
	Page    int
	Pages   int
	Records int
}

// Sequencer loads or clears board rows one at a time, one stagger apart.
// It is timer-gated: a row action does not wait for the previous row's
// flaps to settle.
type Sequencer struct {
	board   *board.Board
	clock   *sched.Scheduler
	stagger time.Duration
	settle  time.Duration

	onPassDone func(Pass)
	onReload   func()

	state   SeqState
	gen     uint64
	nextID  uint64
	running int
}

func NewSequencer(b *board.Board, clock *sched.Scheduler, stagger, settle time.Duration) *Sequencer {
	return &Sequencer{
		board:   b,
		clock:   clock,
		stagger: stagger,
		settle:  settle,
		state:   SeqIdle,
	}
}

func (s *Sequencer) OnPassDone(fn func(Pass)) { s.onPassDone = fn }
func (s *Sequencer) OnReload(fn func())       { s.onReload = fn }
func (s *Sequencer) State() SeqState          { return s.state }

// LoadSequentially schedules exactly one action per row: row i loads
// records[i] or is cleared when there is no record for it. Row i acts
// stagger*(i+1) after the call. Passes started while another is running
// proceed independently.
func (s *Sequencer) LoadSequentially(records []board.Record, page, pages int) (Pass, bool) {
	if s.resetting() {
		return Pass{}, false
	}
	s.nextID++
	p := Pass{ID: s.nextID, Page: page, Pages: pages, Records: min(len(records), s.board.NumRows())}
	s.running++
	s.state = SeqLoading
	s.loadRow(s.gen, p, records, 0)
	return p, true
}

func (s *Sequencer) loadRow(gen uint64, p Pass, records []board.Record, i int) {
	s.clock.After(s.stagger, func() {
		if gen != s.gen {
			return
		}
		row := s.board.Row(i)
		if i < len(records) {
			row.Load(records[i])
		} else {
			row.Clear()
		}
		if i+1 < s.board.NumRows() {
			s.loadRow(gen, p, records, i+1)
			return
		}
		s.running--
		if s.running == 0 {
			s.state = SeqIdle
		}
		if s.onPassDone != nil {
			s.onPassDone(p)
		}
	})
}

// Reset clears the board row by row, waits the settle delay and then fires
// the reload callback. Passes still in flight are abandoned. It reports false
// if a reset is already under way.
func (s *Sequencer) Reset() bool {
	if s.resetting() {
		return false
	}
	s.gen++
	s.running = 0
	s.state = SeqClearing
	s.clearRow(s.gen, 0)
	return true
}

func (s *Sequencer) clearRow(gen uint64, i int) {
	s.clock.After(s.stagger, func() {
		if gen != s.gen {
			return
		}
		s.board.Row(i).Clear()
		if i+1 < s.board.NumRows() {
			s.clearRow(gen, i+1)
			return
		}
		s.state = SeqSettling
		s.clock.After(s.settle, func() {
			s.state = SeqReloaded
			if s.onReload != nil {
				s.onReload()
			}
		})
	})
}

func (s *Sequencer) resetting() bool {
	switch s.state {
	case SeqClearing, SeqSettling, SeqReloaded:
		return true
	}
	return false
}
