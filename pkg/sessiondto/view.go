package sessiondto

// ClockDisplay is one player's clock as shown to the local participant.
type ClockDisplay struct {
	PlayerID    string
	DisplayName string
	Color       string
	Seconds     int
	Text        string
	Running     bool
}

// View is the render-ready projection of a snapshot for one local participant.
// Clocks is ordered by slot (white first); empty entries mean the seat is open.
type View struct {
	SessionID       string
	Loading         bool
	Status          string
	StatusText      string
	Orientation     string
	Position        string
	Turn            string
	InCheck         bool
	PiecesDraggable bool
	Clocks          [2]ClockDisplay
	Winner          string
}
