// Package termview keeps a viewer-side copy of the board, built from a
// BOOTSTRAP message and advanced by FRAME messages, and renders it for a
// terminal.
package termview

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"flapboard.app/internal/protocol"
)

type group struct {
	field  string
	kind   string
	tokens []string
	active string
}

type View struct {
	params protocol.BoardParams
	rows   [][]group

	Tick       uint64
	LastSignal *protocol.SignalMsg
	Reloaded   bool
	Frames     int
}

// New builds the view from a bootstrap snapshot.
func New(boot protocol.BootstrapMsg) *View {
	v := &View{params: boot.Board, Tick: boot.Tick}
	v.rows = make([][]group, len(boot.Rows))
	for i, r := range boot.Rows {
		gs := make([]group, len(r.Groups))
		for j, g := range r.Groups {
			gs[j] = group{
				field:  g.Field,
				kind:   g.Kind,
				tokens: append([]string(nil), g.Tokens...),
				active: g.Active,
			}
		}
		v.rows[i] = gs
	}
	return v
}

// Apply decodes one server message and folds it into the view. It returns
// the message type.
func (v *View) Apply(b []byte) (string, error) {
	base, err := protocol.DecodeBase(b)
	if err != nil {
		return "", err
	}
	switch base.Type {
	case protocol.TypeFrame:
		var f protocol.FrameMsg
		if err := json.Unmarshal(b, &f); err != nil {
			return base.Type, err
		}
		v.ApplyFrame(f)
	case protocol.TypeSignal:
		var s protocol.SignalMsg
		if err := json.Unmarshal(b, &s); err != nil {
			return base.Type, err
		}
		v.LastSignal = &s
		if s.Name == protocol.SignalReload {
			v.Reloaded = true
		}
	default:
		return base.Type, fmt.Errorf("unexpected message type %q", base.Type)
	}
	return base.Type, nil
}

// ApplyFrame writes every change in order. Out of range positions are
// ignored; they can only come from a board with a different template.
func (v *View) ApplyFrame(f protocol.FrameMsg) {
	v.Tick = f.Tick
	v.Frames++
	for _, c := range f.Changes {
		g := v.group(c.Row, c.Group)
		if g == nil || c.Slot < 0 || c.Slot >= len(g.tokens) {
			continue
		}
		g.tokens[c.Slot] = c.Token
	}
	for _, s := range f.Status {
		if g := v.group(s.Row, s.Group); g != nil {
			g.active = s.Active
		}
	}
}

func (v *View) group(row, idx int) *group {
	if row < 0 || row >= len(v.rows) || idx < 0 || idx >= len(v.rows[row]) {
		return nil
	}
	return &v.rows[row][idx]
}

// Text returns what one group currently shows: the slot tokens joined, or
// the active key for a status group.
func (v *View) Text(row, idx int) string {
	g := v.group(row, idx)
	if g == nil {
		return ""
	}
	if g.kind == "status" {
		return g.active
	}
	return strings.Join(g.tokens, "")
}

func (v *View) NumRows() int { return len(v.rows) }

var (
	cellStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F5E6B3")).
			Background(lipgloss.Color("#1C1C1C"))
	imageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#1C1C1C")).
			Background(lipgloss.Color("#F5E6B3")).
			Bold(true)
	statusOn  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD75F")).Bold(true)
	statusOff = lipgloss.NewStyle().Foreground(lipgloss.Color("#585858"))
	frame     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#585858")).
			Padding(0, 1)
	footer = lipgloss.NewStyle().Foreground(lipgloss.Color("#8A8A8A"))
)

// Render draws the board. Blank tokens become spaces so columns line up.
func (v *View) Render() string {
	lines := make([]string, 0, len(v.rows))
	for i, row := range v.rows {
		cells := make([]string, 0, len(row))
		for j, g := range row {
			cells = append(cells, v.renderGroup(i, j, g))
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	body := frame.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))

	status := fmt.Sprintf("tick %d  frames %d", v.Tick, v.Frames)
	if v.LastSignal != nil {
		status += fmt.Sprintf("  last %s (page %d/%d)", v.LastSignal.Name, v.LastSignal.Page+1, max(v.LastSignal.Pages, 1))
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, footer.Render(status))
}

func (v *View) renderGroup(row, idx int, g group) string {
	switch g.kind {
	case "status":
		keys := v.statusKeys(idx)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if k == g.active {
				parts = append(parts, statusOn.Render("●"+k))
			} else {
				parts = append(parts, statusOff.Render("○"+k))
			}
		}
		return " " + strings.Join(parts, " ")
	case "image":
		return " " + imageStyle.Render(fmt.Sprintf("%-2s", v.Text(row, idx)))
	default:
		var sb strings.Builder
		for _, t := range g.tokens {
			if t == "" {
				t = " "
			}
			sb.WriteString(t)
		}
		return " " + cellStyle.Render(sb.String())
	}
}

func (v *View) statusKeys(idx int) []string {
	if idx < len(v.params.Template) && len(v.params.Template[idx].Keys) > 0 {
		return v.params.Template[idx].Keys
	}
	return []string{"A", "B"}
}
