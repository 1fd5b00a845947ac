package domain

import (
	"errors"
	"fmt"
)

// ErrInvariant marks orchestration bugs that must never be treated as success.
var ErrInvariant = errors.New("invariant violation")

// InvariantError describes a violated orchestration invariant.
type InvariantError struct {
	Subject string
	Detail  string
}

func (e InvariantError) Error() string {
	return fmt.Sprintf("invariant violation on %s: %s", e.Subject, e.Detail)
}

func (e InvariantError) Is(target error) bool { return target == ErrInvariant }
