// Package apperr classifies backend failures into a small set of
// categories and turns them into messages that are safe to show users.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Category is the user-facing class of a failure.
type Category string

const (
	Unknown          Category = "UNKNOWN"
	SchemaNotReady   Category = "SCHEMA_NOT_READY"
	PermissionDenied Category = "PERMISSION_DENIED"
	NotAuthenticated Category = "NOT_AUTHENTICATED"
	RecipientMissing Category = "RECIPIENT_NOT_FOUND"
	NotFound         Category = "NOT_FOUND"
	Network          Category = "NETWORK"
	Invalid          Category = "INVALID"
)

// Error wraps a failure with the operation that produced it and its category.
type Error struct {
	Op       string
	Category Category
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Category)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err and attaches op. Returns nil for a nil err.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Category: Classify(err), Err: err}
}

// New returns an error with an explicit category.
func New(op string, cat Category, err error) *Error {
	return &Error{Op: op, Category: cat, Err: err}
}

// StatusCoder is implemented by transport errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Classify maps err to a Category. An explicit *Error category wins, then
// the transport status, then known substrings of the backend message.
func Classify(err error) Category {
	if err == nil {
		return Unknown
	}
	var ae *Error
	if errors.As(err, &ae) && ae.Category != "" && ae.Category != Unknown {
		return ae.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Network
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Network
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		switch sc.HTTPStatus() {
		case 401:
			return NotAuthenticated
		case 403:
			return PermissionDenied
		}
	}
	return classifyText(strings.ToLower(err.Error()))
}

var textRules = []struct {
	cat     Category
	needles []string
}{
	{SchemaNotReady, []string{
		"could not find a relationship", "relationship", "schema cache",
		"does not exist", "pgrst200", "42p01", "42703", "42883", "could not find the function",
		"cannot coerce", "could not choose the best candidate",
	}},
	{NotAuthenticated, []string{"jwt", "not authenticated", "invalid token", "unauthorized", "401"}},
	{PermissionDenied, []string{"permission denied", "row-level security", "42501", "forbidden", "403"}},
	{RecipientMissing, []string{"recipient", "profile not found", "user not found"}},
	{NotFound, []string{"not found", "pgrst116", "no rows"}},
	{Network, []string{
		"failed to fetch", "network", "connection refused", "connection reset",
		"timeout", "no such host", "eof",
	}},
}

func classifyText(msg string) Category {
	for _, r := range textRules {
		for _, n := range r.needles {
			if strings.Contains(msg, n) {
				return r.cat
			}
		}
	}
	return Unknown
}

var messages = map[Category]string{
	SchemaNotReady:   "Messaging is being set up. Please try again in a few minutes.",
	PermissionDenied: "You don't have permission to do that.",
	NotAuthenticated: "Your session has expired. Please sign in again.",
	RecipientMissing: "The recipient could not be found.",
	NotFound:         "That conversation or message no longer exists.",
	Network:          "Network problem. Check your connection and try again.",
	Invalid:          "The request was not valid.",
	Unknown:          "Something went wrong. Please try again.",
}

// Message returns the user-presentable text for err. It never includes the
// raw backend error.
func Message(err error) string {
	return MessageFor(Classify(err))
}

// MessageFor returns the user-presentable text for cat.
func MessageFor(cat Category) string {
	if m, ok := messages[cat]; ok {
		return m
	}
	return messages[Unknown]
}

// Retryable reports whether a failure of this category may succeed if
// the same request is repeated.
func Retryable(err error) bool {
	switch Classify(err) {
	case PermissionDenied, NotAuthenticated, RecipientMissing, NotFound, Invalid:
		return false
	default:
		return true
	}
}

// IsSchemaMismatch reports whether err means the backend schema lags the
// deployed code, which calls for a structural fallback instead of a user
// error.
func IsSchemaMismatch(err error) bool {
	return Classify(err) == SchemaNotReady
}
