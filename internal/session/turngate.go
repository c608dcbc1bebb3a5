package session

// ColorForSlot maps join order to color: the first entrant plays White.
func ColorForSlot(slot int) Color {
	if slot == 0 {
		return White
	}
	return Black
}

// ColorOf returns the participant's color; false for spectators.
func ColorOf(s *Snapshot, participantID string) (Color, bool) {
	if s == nil {
		return "", false
	}
	p, ok := s.players[participantID]
	if !ok {
		return "", false
	}
	return p.Color(), true
}

// MayMove is true iff the session is active and it is the participant's turn.
func MayMove(s *Snapshot, participantID string) bool {
	if s == nil || s.status != StatusActive {
		return false
	}
	c, ok := ColorOf(s, participantID)
	return ok && c == s.turn
}
