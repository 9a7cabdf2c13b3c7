package board

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"flapboard.app/internal/flap/drum"
	"flapboard.app/internal/flap/sched"
	"flapboard.app/internal/protocol"
)

const DefaultNumRows = 5

// GroupSpec is one column of the row template.
type GroupSpec struct {
	Field  string    `yaml:"field" json:"field"`
	Kind   Kind      `yaml:"kind" json:"kind"`
	Drum   drum.Kind `yaml:"drum,omitempty" json:"drum,omitempty"`
	Width  int       `yaml:"width,omitempty" json:"width,omitempty"`
	Tokens []string  `yaml:"tokens,omitempty" json:"tokens,omitempty"`
	Keys   []string  `yaml:"keys,omitempty" json:"keys,omitempty"`
}

func (s GroupSpec) clone() GroupSpec {
	s.Tokens = append([]string(nil), s.Tokens...)
	s.Keys = append([]string(nil), s.Keys...)
	return s
}

// Template is the ordered list of groups every row is built from.
type Template []GroupSpec

// Normalize fills kind-specific defaults: text groups rotate the full drum,
// image groups are one image slot wide, status groups default to keys A/B.
func (t Template) Normalize() Template {
	out := make(Template, 0, len(t))
	for _, g := range t {
		g = g.clone()
		g.Field = strings.TrimSpace(g.Field)
		if g.Kind == "" {
			g.Kind = KindText
		}
		switch g.Kind {
		case KindImage:
			g.Drum = drum.Image
			g.Width = 1
		case KindStatus:
			g.Drum = ""
			if len(g.Keys) == 0 {
				g.Keys = []string{"A", "B"}
			}
			g.Width = len(g.Keys)
		default:
			if g.Drum == "" {
				g.Drum = drum.Full
			}
		}
		out = append(out, g)
	}
	return out
}

func (t Template) Validate() error {
	if len(t) == 0 {
		return errors.New("template: no groups")
	}
	for i, g := range t {
		if g.Field == "" {
			return fmt.Errorf("template[%d]: empty field", i)
		}
		switch g.Kind {
		case KindText:
			if g.Drum == drum.Image {
				return fmt.Errorf("template[%d] %s: text group cannot use the image drum", i, g.Field)
			}
			if _, err := drum.Alphabet(g.Drum, nil); err != nil {
				return fmt.Errorf("template[%d] %s: %w", i, g.Field, err)
			}
			if g.Width <= 0 {
				return fmt.Errorf("template[%d] %s: width must be > 0", i, g.Field)
			}
		case KindImage:
			if len(g.Tokens) == 0 {
				return fmt.Errorf("template[%d] %s: image group needs tokens", i, g.Field)
			}
		case KindStatus:
		default:
			return fmt.Errorf("template[%d] %s: unknown kind %q", i, g.Field, g.Kind)
		}
	}
	return nil
}

// DefaultTemplate is the arrivals layout: line bullet, terminal, minutes,
// remarks, status lamp.
func DefaultTemplate() Template {
	return Template{
		{Field: "line", Kind: KindImage, Tokens: []string{
			"1", "2", "3", "4", "5", "6", "7",
			"A", "B", "C", "D", "E", "F", "G", "J", "L", "M", "N", "Q", "R", "S", "W", "Z",
		}},
		{Field: "terminal", Kind: KindText, Drum: drum.Character, Width: 14},
		{Field: "scheduled", Kind: KindText, Drum: drum.Numeric, Width: 3},
		{Field: "remarks", Kind: KindText, Drum: drum.Full, Width: 10},
		{Field: "status", Kind: KindStatus, Keys: []string{"A", "B"}},
	}.Normalize()
}

type Config struct {
	NumRows  int
	Template Template
	Fade     time.Duration
}

// Board is the fixed grid of rows. It is owned by a single engine loop.
type Board struct {
	rows     []*Row
	template Template
	fade     time.Duration
	log      *changeLog
}

func New(cfg Config, clock *sched.Scheduler) (*Board, error) {
	if clock == nil {
		return nil, errors.New("board: nil scheduler")
	}
	if cfg.NumRows <= 0 {
		cfg.NumRows = DefaultNumRows
	}
	if cfg.Fade < 0 {
		cfg.Fade = 0
	}
	tmpl := cfg.Template
	if len(tmpl) == 0 {
		tmpl = DefaultTemplate()
	} else {
		tmpl = tmpl.Normalize()
	}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}

	b := &Board{template: tmpl, fade: cfg.Fade, log: &changeLog{}}
	for r := 0; r < cfg.NumRows; r++ {
		row := &Row{index: r}
		for gi, spec := range tmpl {
			g, err := newGroup(r, gi, spec, clock, cfg.Fade, b.log)
			if err != nil {
				return nil, fmt.Errorf("row %d group %s: %w", r, spec.Field, err)
			}
			row.groups = append(row.groups, g)
		}
		b.rows = append(b.rows, row)
	}
	return b, nil
}

func (b *Board) NumRows() int        { return len(b.rows) }
func (b *Board) Row(i int) *Row      { return b.rows[i] }
func (b *Board) Rows() []*Row        { return b.rows }
func (b *Board) Fade() time.Duration { return b.fade }

func (b *Board) Template() Template {
	out := make(Template, len(b.template))
	for i, g := range b.template {
		out[i] = g.clone()
	}
	return out
}

// Pending counts unfinished rotation steps across the board.
func (b *Board) Pending() int {
	n := 0
	for _, r := range b.rows {
		n += r.Pending()
	}
	return n
}

// Params describes the board to a viewer.
func (b *Board) Params(stagger time.Duration) protocol.BoardParams {
	p := protocol.BoardParams{
		NumRows:   len(b.rows),
		StaggerMS: stagger.Milliseconds(),
		FadeMS:    b.fade.Milliseconds(),
	}
	for _, g := range b.template {
		p.Template = append(p.Template, protocol.GroupParams{
			Field:  g.Field,
			Kind:   string(g.Kind),
			Drum:   string(g.Drum),
			Width:  g.Width,
			Tokens: append([]string(nil), g.Tokens...),
			Keys:   append([]string(nil), g.Keys...),
		})
	}
	return p
}

// Snapshot captures what is on display right now (not queued targets).
func (b *Board) Snapshot() []protocol.RowState {
	out := make([]protocol.RowState, 0, len(b.rows))
	for _, r := range b.rows {
		rs := protocol.RowState{}
		for _, g := range r.groups {
			gs := protocol.GroupState{Field: g.Field(), Kind: string(g.Kind()), Active: g.Active()}
			for _, s := range g.slots {
				gs.Tokens = append(gs.Tokens, s.Shown())
				gs.Classes = append(gs.Classes, drum.Class(s.Shown()))
			}
			rs.Groups = append(rs.Groups, gs)
		}
		out = append(out, rs)
	}
	return out
}

// DrainChanges returns the slot and status changes recorded since the last
// call, in the order they happened.
func (b *Board) DrainChanges() ([]protocol.SlotChange, []protocol.StatusChange) {
	return b.log.drain()
}

type changeLog struct {
	slotLog   []protocol.SlotChange
	statusLog []protocol.StatusChange
}

func (l *changeLog) slot(pos Pos, tok string, phase Phase) {
	l.slotLog = append(l.slotLog, protocol.SlotChange{
		Row:   pos.Row,
		Group: pos.Group,
		Slot:  pos.Slot,
		Token: tok,
		Class: drum.Class(tok),
		Phase: string(phase),
	})
}

func (l *changeLog) status(pos Pos, active string) {
	l.statusLog = append(l.statusLog, protocol.StatusChange{Row: pos.Row, Group: pos.Group, Active: active})
}

func (l *changeLog) drain() ([]protocol.SlotChange, []protocol.StatusChange) {
	slots, status := l.slotLog, l.statusLog
	l.slotLog, l.statusLog = nil, nil
	return slots, status
}
