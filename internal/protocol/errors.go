package protocol

// Close reasons sent to viewers in the WebSocket close frame.
const (
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	ErrBoardBusy      = "E_BOARD_BUSY"
	ErrBoardReloading = "E_BOARD_RELOADING"
	ErrViewerLagging  = "E_VIEWER_LAGGING"
	ErrInternal       = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrBoardBusy:       {},
	ErrBoardReloading:  {},
	ErrViewerLagging:   {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
