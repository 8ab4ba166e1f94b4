package errors_test

import (
	"fmt"
	"io"
	"testing"

	"github.com/leggler/PV-Aggregator/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCause(t *testing.T) {
	err := errors.Wrap(errors.ErrRead, io.EOF)
	require.Error(t, err)

	assert.True(t, errors.Is(err, io.EOF))
	assert.Equal(t, errors.ErrRead, errors.CodeOf(err))
	assert.Equal(t, "Read failed: EOF", err.Error())
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, errors.Wrap(errors.ErrRead, nil))
	assert.NoError(t, errors.Wrapf(errors.ErrRead, nil, "x"))
}

func TestSentinelMatch(t *testing.T) {
	sentinel := errors.New(errors.ErrNoValue)
	err := fmt.Errorf("inverter wr1: %w", errors.Newf(errors.ErrNoValue, "short payload"))

	assert.True(t, errors.Is(err, sentinel))
	assert.False(t, errors.Is(err, errors.New(errors.ErrConnection)))
}

func TestClassification(t *testing.T) {
	read := errors.Wrap(errors.ErrNoValue, io.ErrUnexpectedEOF)
	conn := fmt.Errorf("reconnect: %w", errors.Wrap(errors.ErrConnection, io.EOF))

	assert.True(t, errors.IsReadError(read))
	assert.False(t, errors.IsConnectionError(read))
	assert.True(t, errors.IsConnectionError(conn))
	assert.False(t, errors.IsReadError(conn))
	assert.Equal(t, errors.ErrorCode(""), errors.CodeOf(io.EOF))
}

func TestUnknownCodeMessage(t *testing.T) {
	assert.Equal(t, "custom_code", errors.New("custom_code").Error())
}
