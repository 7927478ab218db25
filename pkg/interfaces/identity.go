package interfaces

import (
	"net/http"

	"chatrelay/pkg/types"
)

// IdentityResolver turns connection credentials into a participant identity.
// It fails with types.ErrUnauthenticated when the credentials are missing or invalid.
type IdentityResolver interface {
	Resolve(r *http.Request) (types.Identity, error)
}
