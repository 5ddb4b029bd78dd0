package apierrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAndKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind Kind
	}{
		{name: "validation", err: NewValidation("bad field %s", "task"), wantKind: Validation},
		{name: "not found", err: NewNotFound("dispatch %s", "abc"), wantKind: NotFound},
		{name: "conflict", err: NewConflict("version mismatch"), wantKind: Conflict},
		{name: "wrapped internal", err: NewInternal(errors.New("boom"), "store write failed"), wantKind: Internal},
		{name: "plain error defaults internal", err: errors.New("unrelated"), wantKind: Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantKind, KindOf(tt.err))
			assert.True(t, Is(tt.err, tt.wantKind) || tt.wantKind == Internal)
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewWorkspace("ws-1", cause, "clone failed")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "ws-1", err.Fields["workspaceId"])
	assert.Contains(t, err.Error(), "clone failed")
	assert.Contains(t, err.Error(), "root cause")
}

func TestAggregate(t *testing.T) {
	assert.Nil(t, Aggregate(Validation, nil))

	err := Aggregate(Validation, []string{"field a invalid", "field b invalid"})
	assert.Error(t, err)
	assert.True(t, Is(err, Validation))
	assert.Contains(t, err.Error(), "field a invalid")
	assert.Contains(t, err.Error(), "field b invalid")
}

func TestWithFieldChaining(t *testing.T) {
	err := NewServiceUnavailable("capacity exhausted").
		WithField("attempts", 3).
		WithField("lastReason", "RESOURCE:CAPACITY")

	assert.Equal(t, 3, err.Fields["attempts"])
	assert.Equal(t, "RESOURCE:CAPACITY", err.Fields["lastReason"])
}
