package observability

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	assert.NotPanics(t, func() {
		defer RecoverPanic(logger, "reader")
		panic("boom")
	})
	assert.Contains(t, buf.String(), "PANIC recovered")
	assert.Contains(t, buf.String(), `"context":"reader"`)
}

func TestRecoverToError(t *testing.T) {
	run := func() (err error) {
		defer RecoverToError(nil, "song rollup", &err)
		panic("index out of range")
	}

	err := run()
	require.Error(t, err)
	assert.Equal(t, "panic in song rollup: index out of range", err.Error())

	clean := func() (err error) {
		defer RecoverToError(nil, "song rollup", &err)
		return nil
	}
	assert.NoError(t, clean())
}
