package protocol

import "encoding/json"

// Version is the viewer protocol version.
const Version = "1.0"

const (
	TypeHello     = "HELLO"
	TypeBootstrap = "BOOTSTRAP"
	TypeFrame     = "FRAME"
	TypeSignal    = "SIGNAL"
)

const (
	SignalPassDone = "PASS_DONE"
	SignalReload   = "RELOAD"
)

type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var base BaseMessage
	err := json.Unmarshal(b, &base)
	return base, err
}

// Client -> Server. First message on the viewer WS connection.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ViewerName      string `json:"viewer_name,omitempty"`
	MaxQueue        int    `json:"max_queue,omitempty"`
}

// Server -> Client. Sent once after HELLO and served by GET /v1/bootstrap.
type BootstrapMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id,omitempty"`
	Tick            uint64      `json:"tick"`
	TimeMS          int64       `json:"time_ms"`
	Board           BoardParams `json:"board"`
	Rows            []RowState  `json:"rows"`
}

type BoardParams struct {
	NumRows   int           `json:"num_rows"`
	StaggerMS int64         `json:"stagger_ms"`
	FadeMS    int64         `json:"fade_ms"`
	Template  []GroupParams `json:"template"`
}

type GroupParams struct {
	Field  string   `json:"field"`
	Kind   string   `json:"kind"`
	Drum   string   `json:"drum,omitempty"`
	Width  int      `json:"width"`
	Tokens []string `json:"tokens,omitempty"`
	Keys   []string `json:"keys,omitempty"`
}

type RowState struct {
	Groups []GroupState `json:"groups"`
}

type GroupState struct {
	Field   string   `json:"field"`
	Kind    string   `json:"kind"`
	Tokens  []string `json:"tokens,omitempty"`
	Classes []string `json:"classes,omitempty"`
	Active  string   `json:"active,omitempty"`
}

// Server -> Client. Sent once per tick that changed something.
type FrameMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Tick            uint64         `json:"tick"`
	TimeMS          int64          `json:"time_ms"`
	Changes         []SlotChange   `json:"changes,omitempty"`
	Status          []StatusChange `json:"status,omitempty"`
}

type SlotChange struct {
	Row   int    `json:"row"`
	Group int    `json:"group"`
	Slot  int    `json:"slot"`
	Token string `json:"token"`
	Class string `json:"class"`
	Phase string `json:"phase"`
}

type StatusChange struct {
	Row    int    `json:"row"`
	Group  int    `json:"group"`
	Active string `json:"active"`
}

// Server -> Client. Completion signals for the hosting page.
type SignalMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Name            string `json:"name"`
	Page            int    `json:"page,omitempty"`
	Pages           int    `json:"pages,omitempty"`
}
