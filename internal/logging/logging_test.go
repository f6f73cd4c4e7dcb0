package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("json output", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger, err := newLogger(buf, "debug", "json")
		require.NoError(t, err)

		logger.WithField("room", "abc").Info("room loaded")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "room loaded", entry["msg"])
		assert.Equal(t, "abc", entry["room"])
		assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := newLogger(&bytes.Buffer{}, "loud", "text")
		assert.Error(t, err)
	})

	t.Run("invalid format", func(t *testing.T) {
		_, err := newLogger(&bytes.Buffer{}, "info", "xml")
		assert.Error(t, err)
	})
}
