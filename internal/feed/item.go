package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ArrivingNow is the wire and display form of a zero-minute arrival.
const ArrivingNow = "--"

// Minutes is the scheduled field: whole minutes until arrival, or "arriving
// now". On the wire it is a non-negative integer or the string "--".
type Minutes struct {
	N   int
	Now bool
}

func (m Minutes) sortKey() int {
	if m.Now {
		return 0
	}
	return m.N
}

func (m Minutes) String() string {
	if m.Now {
		return ArrivingNow
	}
	return strconv.Itoa(m.N)
}

func (m Minutes) MarshalJSON() ([]byte, error) {
	if m.Now {
		return json.Marshal(ArrivingNow)
	}
	return []byte(strconv.Itoa(m.N)), nil
}

func (m *Minutes) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*m = Minutes{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == ArrivingNow {
			*m = Minutes{Now: true}
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return fmt.Errorf("scheduled: bad value %q", s)
		}
		*m = Minutes{N: n}
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("scheduled: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("scheduled: negative minutes %d", n)
	}
	*m = Minutes{N: n}
	return nil
}

// Item is one arrival record. The engine only reads it.
type Item struct {
	Line      string  `json:"line"`
	Stop      string  `json:"stop,omitempty"`
	Terminal  string  `json:"terminal"`
	Scheduled Minutes `json:"scheduled"`
	Remarks   string  `json:"remarks,omitempty"`
	Status    string  `json:"status,omitempty"`
}

// Field returns the display content for a template field key. Unknown keys
// read as "".
func (it Item) Field(key string) string {
	switch key {
	case "line":
		return it.Line
	case "stop":
		return it.Stop
	case "terminal":
		return it.Terminal
	case "scheduled":
		return it.Scheduled.String()
	case "remarks":
		return it.Remarks
	case "status":
		return it.Status
	default:
		return ""
	}
}

type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// Sort orders items in place by field key. Scheduled compares numerically
// with "--" as 0; other fields compare as strings. The sort is stable and an
// empty key leaves the slice untouched.
func Sort(items []Item, key string, order Order) {
	if key == "" {
		return
	}
	less := func(a, b Item) bool { return a.Field(key) < b.Field(key) }
	if key == "scheduled" {
		less = func(a, b Item) bool { return a.Scheduled.sortKey() < b.Scheduled.sortKey() }
	}
	sort.SliceStable(items, func(i, j int) bool {
		if order == Desc {
			return less(items[j], items[i])
		}
		return less(items[i], items[j])
	})
}
