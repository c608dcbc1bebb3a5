// Package relay carries a sessionstore.Store over a websocket so that
// participants without direct store access can share sessions.
package relay

import (
	"errors"

	"github.com/park285/cheese-duel/internal/session"
	"github.com/park285/cheese-duel/internal/sessionstore"
)

const (
	opRead        = "read"
	opWrite       = "write"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opResult      = "result"
	opSnapshot    = "snapshot"
	opEnded       = "ended"
)

const (
	codeClaimLost = "claim_lost"
	codeClosed    = "closed"
	codeBadFrame  = "bad_frame"
	codeMalformed = "malformed"
	codeStore     = "store"
)

// frame is the single JSON message shape in both directions. ID pairs a
// request with its result; for snapshot and ended frames it names the
// subscription.
type frame struct {
	Op      string            `json:"op"`
	ID      string            `json:"id,omitempty"`
	Session string            `json:"session,omitempty"`
	Set     map[string]string `json:"set,omitempty"`
	Del     []string          `json:"del,omitempty"`
	Claims  map[string]string `json:"claims,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	Found   bool              `json:"found,omitempty"`
	Code    string            `json:"code,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// RemoteError is a failure reported by the relay server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return "relay: " + e.Code + ": " + e.Message }

func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case codeClaimLost:
		return target == sessionstore.ErrClaimLost
	case codeClosed:
		return target == sessionstore.ErrClosed
	case codeMalformed:
		return target == session.ErrMalformed
	}
	return false
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, sessionstore.ErrClaimLost):
		return codeClaimLost
	case errors.Is(err, sessionstore.ErrClosed):
		return codeClosed
	case errors.Is(err, session.ErrMalformed):
		return codeMalformed
	}
	return codeStore
}

func remoteErr(f frame) error {
	if f.Code == "" && f.Error == "" {
		return nil
	}
	return &RemoteError{Code: f.Code, Message: f.Error}
}
