package board

import (
	"time"

	"flapboard.app/internal/flap/drum"
	"flapboard.app/internal/flap/sched"
)

type Phase string

const (
	PhaseSteady Phase = "steady"
	PhaseOut    Phase = "out"
	PhaseIn     Phase = "in"
)

// Pos addresses one slot on the board.
type Pos struct {
	Row   int
	Group int
	Slot  int
}

// Slot is one flap position. Its drum is rotated at queue time so the next
// Transition is always expressed as a forward step count from the last queued
// token; the scheduler then plays the queued steps one fade at a time.
type Slot struct {
	pos   Pos
	drum  *drum.Drum
	clock *sched.Scheduler
	fade  time.Duration
	log   *changeLog

	shown string
	phase Phase
	queue []string
	busy  bool
}

func newSlot(pos Pos, d *drum.Drum, clock *sched.Scheduler, fade time.Duration, log *changeLog) *Slot {
	return &Slot{
		pos:   pos,
		drum:  d,
		clock: clock,
		fade:  fade,
		log:   log,
		shown: d.Current(),
		phase: PhaseSteady,
	}
}

// Transition queues the steps that bring the slot to tok and returns them.
// Unknown tokens resolve to blank. Nothing is queued when the slot already
// ends on the resolved token.
func (s *Slot) Transition(tok string) []string {
	target := s.drum.Resolve(tok)
	steps := s.drum.Steps(target)
	if len(steps) == 0 {
		return nil
	}
	s.drum.RotateLeft(target)
	s.queue = append(s.queue, steps...)
	if !s.busy {
		s.next()
	}
	return steps
}

func (s *Slot) next() {
	if len(s.queue) == 0 {
		s.busy = false
		s.setPhase(PhaseSteady)
		return
	}
	s.busy = true
	tok := s.queue[0]
	s.queue = s.queue[1:]
	s.setPhase(PhaseOut)
	s.clock.After(s.fade, func() {
		s.shown = tok
		s.setPhase(PhaseIn)
		s.clock.After(s.fade, s.next)
	})
}

func (s *Slot) setPhase(p Phase) {
	s.phase = p
	s.log.slot(s.pos, s.shown, p)
}

func (s *Slot) Pos() Pos           { return s.pos }
func (s *Slot) Shown() string      { return s.shown }
func (s *Slot) Phase() Phase       { return s.phase }
func (s *Slot) Kind() drum.Kind    { return s.drum.Kind() }
func (s *Slot) Target() string     { return s.drum.Current() }
func (s *Slot) Settled() bool      { return !s.busy }
func (s *Slot) Alphabet() []string { return s.drum.Tokens() }

// Pending counts steps not yet finished, including the one in flight.
func (s *Slot) Pending() int {
	n := len(s.queue)
	if s.busy {
		n++
	}
	return n
}
