package auth

import "errors"

// Policy declares the access requirements of one route or socket
// endpoint. Requirements are plain data evaluated by Evaluate; no
// metadata reflection is involved.
type Policy struct {
	RequiresAuth          bool
	RequiresVerifiedEmail bool
}

// Policy evaluation errors
var (
	ErrUnauthenticated  = errors.New("authentication required")
	ErrEmailNotVerified = errors.New("verified email required")
)

// Evaluate checks a token payload against a route policy. A nil payload
// means the caller presented no valid token.
func Evaluate(p Policy, payload *TokenPayload) error {
	if p.RequiresAuth && payload == nil {
		return ErrUnauthenticated
	}
	if p.RequiresVerifiedEmail {
		if payload == nil {
			return ErrUnauthenticated
		}
		if !payload.IsEmailVerified {
			return ErrEmailNotVerified
		}
	}
	return nil
}
