package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "fatal"} {
		l, err := NewLogger("json", level)
		require.NoError(t, err)
		require.NotNil(t, l)
	}

	l, err := NewLogger("text", "info")
	require.NoError(t, err)
	require.NotNil(t, l)

	_, err = NewLogger("json", "verbose")
	require.ErrorContains(t, err, "unknown log level")
}

func TestNewLoggerNoneLevel(t *testing.T) {
	l, err := NewLogger("json", "none")
	require.NoError(t, err)
	l.Info("dropped")
}

func TestMustNewLoggerPanics(t *testing.T) {
	require.Panics(t, func() {
		MustNewLogger("json", "verbose")
	})
}
