package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	t.Parallel()
	err := New(KindStoreBusy, "replace file facts", fmt.Errorf("database is locked")).WithPath("a.cpp")
	wrapped := fmt.Errorf("merge: %w", err)

	assert.True(t, stderrors.Is(wrapped, ErrStoreBusy))
	assert.False(t, stderrors.Is(wrapped, ErrStoreCorrupt))
	assert.Equal(t, KindStoreBusy, KindOf(wrapped))
	assert.True(t, IsRecoverable(wrapped))
}

func TestError_Message(t *testing.T) {
	t.Parallel()
	err := New(KindExtraction, "extract", fmt.Errorf("boom")).WithPath("src/a.cpp")
	assert.Equal(t, "extraction: extract src/a.cpp: boom", err.Error())

	bare := New(KindResourceExhausted, "", nil)
	assert.Equal(t, "resource_exhausted", bare.Error())
	assert.False(t, bare.Recoverable)
}

func TestError_UnwrapReachesCause(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("disk full")
	err := New(KindStoreWriteFailed, "commit", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, Kind(""), KindOf(cause))
}
