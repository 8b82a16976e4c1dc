package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type statusErr struct{ code int }

func (e statusErr) Error() string   { return "request failed" }
func (e statusErr) HTTPStatus() int { return e.code }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"missing relationship", errors.New("Could not find a relationship between 'conversations' and 'conversation_participants' in the schema cache"), SchemaNotReady},
		{"missing column", errors.New(`column "last_read_at" does not exist (42703)`), SchemaNotReady},
		{"rpc coercion", errors.New("cannot coerce the result to a single JSON object"), SchemaNotReady},
		{"rls", errors.New("new row violates row-level security policy"), PermissionDenied},
		{"jwt", errors.New("JWT expired"), NotAuthenticated},
		{"status 401", statusErr{401}, NotAuthenticated},
		{"status 403", statusErr{403}, PermissionDenied},
		{"recipient", errors.New("recipient profile missing"), RecipientMissing},
		{"single row", errors.New("PGRST116: no rows returned"), NotFound},
		{"network", errors.New("dial tcp: connection refused"), Network},
		{"deadline", fmt.Errorf("insert: %w", context.DeadlineExceeded), Network},
		{"explicit wins", New("send", Invalid, errors.New("permission denied")), Invalid},
		{"unknown", errors.New("boom"), Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestMessageNeverLeaksRawText(t *testing.T) {
	raw := errors.New(`duplicate key value violates unique constraint "secret_idx"`)
	msg := Message(raw)
	assert.NotContains(t, msg, "secret_idx")
	assert.Equal(t, MessageFor(Unknown), msg)
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap("op", nil))

	err := Wrap("fetch conversations", errors.New("permission denied for table conversations"))
	var ae *Error
	assert.ErrorAs(t, err, &ae)
	assert.Equal(t, PermissionDenied, ae.Category)
	assert.False(t, Retryable(err))
	assert.True(t, Retryable(errors.New("connection reset by peer")))
	assert.True(t, IsSchemaMismatch(errors.New("PGRST200")))
}
