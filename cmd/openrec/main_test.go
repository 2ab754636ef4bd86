package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestLevelFromEnvRecognisesRustLogStyleNames(t *testing.T) {
	cases := map[string]logrus.Level{
		"":         logrus.InfoLevel,
		"info":     logrus.InfoLevel,
		"debug":    logrus.DebugLevel,
		"DEBUG":    logrus.DebugLevel,
		"trace":    logrus.TraceLevel,
		"warn":     logrus.WarnLevel,
		"warning":  logrus.WarnLevel,
		"error":    logrus.ErrorLevel,
		"nonsense": logrus.InfoLevel,
	}
	for raw, want := range cases {
		t.Setenv("RUST_LOG", raw)
		require.Equal(t, want, levelFromEnv(), "RUST_LOG=%q", raw)
	}
}
