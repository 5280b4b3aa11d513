package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := newLogger(&buf, "warn", "json")
		require.NoError(t, err)

		logger.Info("hidden")
		logger.Warn("shown", "k", 1)
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), `"msg":"shown"`)
	})

	t.Run("Text", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := newLogger(&buf, "debug", "text")
		require.NoError(t, err)
		assert.True(t, logger.Enabled(context.Background(), -4))
	})

	t.Run("BadLevel", func(t *testing.T) {
		_, err := newLogger(&bytes.Buffer{}, "loud", "text")
		assert.Error(t, err)
	})

	t.Run("BadFormat", func(t *testing.T) {
		_, err := newLogger(&bytes.Buffer{}, "info", "xml")
		assert.Error(t, err)
	})
}
