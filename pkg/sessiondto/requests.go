package sessiondto

// Participant identifies the local user; provisioned by the host application.
type Participant struct {
	ID          string
	DisplayName string
	PhotoRef    string
}

// MoveRequest is a board interaction: squares in algebraic form ("e2", "e4").
// An empty Promotion means queen.
type MoveRequest struct {
	From      string
	To        string
	Promotion string
}

type JoinResponse struct {
	SessionID string
	Accepted  bool
	Activated bool
	Color     string
}
