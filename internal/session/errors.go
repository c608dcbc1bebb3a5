package session

import (
	"github.com/park285/cheese-duel/internal/msgcat"
	"github.com/park285/cheese-duel/pkg/sessiondto"
)

// Reject copies base with its message rendered from error.<code> in cat.
func Reject(cat *msgcat.Catalog, base sessiondto.DomainError, data map[string]any) sessiondto.DomainError {
	out := base
	out.Message = cat.Text("error."+base.Code, data, base.Message)
	return out
}
