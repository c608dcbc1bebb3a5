package sessiondto

// Status values carried in Record.Status.
const (
	StatusWaiting  = "waiting"
	StatusActive   = "active"
	StatusFinished = "finished"
)

// Turn values carried in Record.Turn.
const (
	TurnWhite = "w"
	TurnBlack = "b"
)

// PlayerProfile is the per-participant entry under Record.Players.
// Slot is the join order (0 or 1) and decides the color.
type PlayerProfile struct {
	DisplayName string `json:"displayName"`
	PhotoRef    string `json:"photoRef,omitempty"`
	Slot        int    `json:"slot"`
}

// Record is the session wire shape shared verbatim by both participants.
// Timestamps are epoch milliseconds.
type Record struct {
	ID                string                   `json:"id"`
	Players           map[string]PlayerProfile `json:"players"`
	Status            string                   `json:"status"`
	Position          string                   `json:"position"`
	Turn              string                   `json:"turn"`
	Clocks            map[string]int           `json:"clocks"`
	LastMoveTimestamp int64                    `json:"lastMoveTimestamp"`
	Winner            *string                  `json:"winner,omitempty"`
	CreatedAt         int64                    `json:"createdAt"`
}
