package sessiondto

// Stable rejection codes.
const (
	CodeJoinFull        = "join_full"
	CodeJoinNotFound    = "join_not_found"
	CodeNotYourTurn     = "not_your_turn"
	CodeGameNotActive   = "game_not_active"
	CodeIllegalMove     = "illegal_move"
	CodeNotMember       = "not_member"
	CodeStaleApply      = "stale_apply"
	CodeAssistExhausted = "assist_exhausted"
)

type DomainError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "session error"
}

// Is matches on Code so errors.Is works against the sentinels below
// even when Message was localized.
func (e DomainError) Is(target error) bool {
	t, ok := target.(DomainError)
	if !ok {
		if p, ok2 := target.(*DomainError); ok2 && p != nil {
			t, ok = *p, true
		}
	}
	return ok && t.Code != "" && t.Code == e.Code
}

var (
	ErrJoinFull      = DomainError{Code: CodeJoinFull, Message: "session already has two players", Retryable: true}
	ErrJoinNotFound  = DomainError{Code: CodeJoinNotFound, Message: "session does not exist", Retryable: true}
	ErrNotYourTurn   = DomainError{Code: CodeNotYourTurn, Message: "it is not your turn", Retryable: true}
	ErrGameNotActive = DomainError{Code: CodeGameNotActive, Message: "game is not active", Retryable: true}
	ErrIllegalMove   = DomainError{Code: CodeIllegalMove, Message: "illegal move", Retryable: true}
	ErrNotMember     = DomainError{Code: CodeNotMember, Message: "not a player in this session", Retryable: true}
	ErrStaleApply    = DomainError{Code: CodeStaleApply, Message: "local state diverged and was reloaded", Retryable: true}

	ErrAssistExhausted = DomainError{Code: CodeAssistExhausted, Message: "no legal suggestion", Retryable: true}
)
