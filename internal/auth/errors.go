package auth

import "errors"

// Token and role check failures. The HTTP layer maps them to 401 and 403.
var (
	ErrUnauthorized = errors.New("auth: missing credentials")
	ErrInvalidToken = errors.New("auth: invalid or expired token")
	ErrForbidden    = errors.New("auth: role does not permit this operation")
	ErrInvalidInput = errors.New("auth: invalid principal or membership")
)
