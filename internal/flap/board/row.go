package board

import "flapboard.app/internal/flap/drum"

// Record is anything a row can read display fields from.
type Record interface {
	Field(key string) string
}

// Fields is a map-backed Record. Missing keys read as "".
type Fields map[string]string

func (f Fields) Field(key string) string { return f[key] }

type Row struct {
	index  int
	groups []*Group
}

// Load binds rec to the row, group by group in template order. A nil record
// clears the row.
func (r *Row) Load(rec Record) {
	if rec == nil {
		r.Clear()
		return
	}
	for _, g := range r.groups {
		g.Load(rec.Field(g.Field()))
	}
}

func (r *Row) Clear() {
	for _, g := range r.groups {
		g.Clear()
	}
}

func (r *Row) Index() int         { return r.index }
func (r *Row) Groups() []*Group   { return r.groups }
func (r *Row) Group(i int) *Group { return r.groups[i] }

// Blank reports whether every slot ends on blank and no status is lit.
func (r *Row) Blank() bool {
	for _, g := range r.groups {
		if g.Active() != "" {
			return false
		}
		for _, s := range g.slots {
			if s.Target() != drum.Blank {
				return false
			}
		}
	}
	return true
}

// Pending counts unfinished rotation steps across the row.
func (r *Row) Pending() int {
	n := 0
	for _, g := range r.groups {
		for _, s := range g.slots {
			n += s.Pending()
		}
	}
	return n
}
