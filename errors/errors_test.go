package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatchesThroughWithMessage(t *testing.T) {
	err := ErrFormat.WithMessage("bad header")
	assert.True(t, stderrors.Is(err, ErrFormat))
	assert.False(t, stderrors.Is(err, ErrIo))
	assert.Contains(t, err.Error(), "bad header")
}

func TestKindMatchesThroughWrapError(t *testing.T) {
	inner := fmt.Errorf("file vanished")
	err := ErrIo.WrapError(inner)
	assert.True(t, stderrors.Is(err, ErrIo))
	assert.Contains(t, err.Error(), "file vanished")
}

func TestAtOffsetRecordsOffset(t *testing.T) {
	err := ErrFormat.AtOffset(512, "track table truncated")
	assert.True(t, stderrors.Is(err, ErrFormat))

	offset, ok := Offset(err)
	assert.True(t, ok)
	assert.EqualValues(t, 512, offset)

	_, ok = Offset(ErrFormat.WithMessage("no offset recorded"))
	assert.False(t, ok)
}
