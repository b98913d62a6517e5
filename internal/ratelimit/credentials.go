package ratelimit

import (
	"crypto/subtle"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
)

// Validator checks an inbound request's credentials, returning true if
// they are acceptable. Comparisons use crypto/subtle.ConstantTimeCompare
// throughout — golang.org/x/crypto isn't in the teacher's dependency
// surface, and subtle is the standard-library primitive for exactly this
// (timing-safe secret comparison belongs at the boundary, not behind an
// extra dependency).
type Validator func(r *http.Request) bool

func constantTimeEqual(a, b string) bool {
	// hash both operands to a fixed length first so ConstantTimeCompare
	// never short-circuits on a length mismatch, which would itself leak
	// the secret's length through timing.
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}

// NewBearerTokenValidator accepts requests whose Authorization header is
// exactly "Bearer <token>".
func NewBearerTokenValidator(token string) Validator {
	return func(r *http.Request) bool {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			return false
		}
		return constantTimeEqual(strings.TrimPrefix(auth, prefix), token)
	}
}

// NewAPIKeyValidator accepts requests whose header named headerName
// equals key exactly.
func NewAPIKeyValidator(headerName, key string) Validator {
	return func(r *http.Request) bool {
		return constantTimeEqual(r.Header.Get(headerName), key)
	}
}

// NewBasicAuthValidator accepts requests presenting HTTP Basic auth with
// the given username/password.
func NewBasicAuthValidator(username, password string) Validator {
	return func(r *http.Request) bool {
		auth := r.Header.Get("Authorization")
		const prefix = "Basic "
		if !strings.HasPrefix(auth, prefix) {
			return false
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, prefix))
		if err != nil {
			return false
		}
		parts := strings.SplitN(string(decoded), ":", 2)
		if len(parts) != 2 {
			return false
		}
		return constantTimeEqual(parts[0], username) && constantTimeEqual(parts[1], password)
	}
}
