package verrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapNilIsNil(t *testing.T) {
	require.Nil(t, Wrap(Internal, "whatever", nil))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(StoreWrite, "upsert failed", cause)
	assert.Contains(t, err.Error(), "StoreWrite")
	assert.Contains(t, err.Error(), "upsert failed")
	assert.Contains(t, err.Error(), "boom")
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestKindOfUnwrapsChain(t *testing.T) {
	base := New(EmbedDimMismatch, "dimension changed")
	wrapped := fmt.Errorf("indexFile: %w", base)
	assert.Equal(t, EmbedDimMismatch, KindOf(wrapped))
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
}

func TestKindOfNil(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
}
