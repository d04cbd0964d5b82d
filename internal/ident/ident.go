// Package ident canonicalizes account identities.
//
// Accounts are keyed by a 32-character lowercase hex UUID. The 36-character
// dashed form is accepted on input and produced for display.
package ident

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidIdentifier is returned for anything that is not a 32- or
// 36-character hex UUID.
var ErrInvalidIdentifier = errors.New("invalid identifier")

var canonicalRE = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Canonical returns the 32-character form of s.
func Canonical(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 32, 36:
	default:
		return "", fmt.Errorf("%w: %q has length %d", ErrInvalidIdentifier, s, len(s))
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidIdentifier, s, err)
	}
	return strings.ReplaceAll(u.String(), "-", ""), nil
}

// Dashed returns the 36-character display form of a 32- or 36-character id.
func Dashed(s string) (string, error) {
	c, err := Canonical(s)
	if err != nil {
		return "", err
	}
	return c[0:8] + "-" + c[8:12] + "-" + c[12:16] + "-" + c[16:20] + "-" + c[20:32], nil
}

// MustCanonical is Canonical for literals in tests and fixtures.
func MustCanonical(s string) string {
	c, err := Canonical(s)
	if err != nil {
		panic(err)
	}
	return c
}

// IsCanonical reports whether s is already in 32-character lowercase form.
func IsCanonical(s string) bool {
	return canonicalRE.MatchString(s)
}

// ViewName returns the per-account history view name. Only canonical ids are
// accepted, so the result is always [a-z0-9_] and safe to place in DDL.
func ViewName(id string) (string, error) {
	if !IsCanonical(id) {
		return "", fmt.Errorf("%w: view name for %q", ErrInvalidIdentifier, id)
	}
	return "history_" + id, nil
}
