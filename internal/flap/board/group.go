package board

import (
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"flapboard.app/internal/flap/drum"
	"flapboard.app/internal/flap/sched"
)

// Kind is how a group turns record content into slot targets.
type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindStatus Kind = "status"
)

// Group is the run of slots bound to one record field.
type Group struct {
	pos   Pos
	spec  GroupSpec
	slots []*Slot
	upper cases.Caser
	log   *changeLog

	active string
}

func newGroup(row, index int, spec GroupSpec, clock *sched.Scheduler, fade time.Duration, log *changeLog) (*Group, error) {
	g := &Group{
		pos:   Pos{Row: row, Group: index},
		spec:  spec,
		upper: cases.Upper(language.Und),
		log:   log,
	}
	if spec.Kind == KindStatus {
		return g, nil
	}
	for i := 0; i < spec.Width; i++ {
		d, err := drum.New(spec.Drum, spec.Tokens)
		if err != nil {
			return nil, err
		}
		g.slots = append(g.slots, newSlot(Pos{Row: row, Group: index, Slot: i}, d, clock, fade, log))
	}
	return g, nil
}

// Load routes content to the group's slots according to its kind.
func (g *Group) Load(content string) {
	switch g.spec.Kind {
	case KindStatus:
		g.setActive(content)
	case KindImage:
		g.slots[0].Transition(content)
	default:
		for i, tok := range Cells(g.upper.String(content), len(g.slots)) {
			g.slots[i].Transition(tok)
		}
	}
}

// Clear rotates every slot back to blank and drops any status highlight.
func (g *Group) Clear() { g.Load("") }

func (g *Group) setActive(key string) {
	prev := g.active
	g.active = ""
	for _, k := range g.spec.Keys {
		if k == key {
			g.active = k
			break
		}
	}
	if g.active != prev {
		g.log.status(g.pos, g.active)
	}
}

// Cells splits content into exactly width single-character tokens, padding
// with blanks and truncating overflow.
func Cells(content string, width int) []string {
	out := make([]string, width)
	runes := []rune(content)
	for i := range out {
		if i < len(runes) {
			out[i] = string(runes[i])
		} else {
			out[i] = drum.Blank
		}
	}
	return out
}

func (g *Group) Field() string   { return g.spec.Field }
func (g *Group) Kind() Kind      { return g.spec.Kind }
func (g *Group) Spec() GroupSpec { return g.spec.clone() }
func (g *Group) Slots() []*Slot  { return g.slots }
func (g *Group) Active() string  { return g.active }
func (g *Group) Width() int      { return g.spec.Width }

// Targets lists the token each slot ends on once its queue drains.
func (g *Group) Targets() []string {
	out := make([]string, len(g.slots))
	for i, s := range g.slots {
		out[i] = s.Target()
	}
	return out
}

// Shown lists the tokens currently on display.
func (g *Group) Shown() []string {
	out := make([]string, len(g.slots))
	for i, s := range g.slots {
		out[i] = s.Shown()
	}
	return out
}
