package main

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blemidi/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoggingCmd(t *testing.T, args ...string) *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Bool("verbose", false, "")
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestConfigureLogger(t *testing.T) {
	fileCfg := config.Default()
	fileCfg.LogLevel = "error"

	tests := []struct {
		name     string
		args     []string
		cfg      *config.Config
		fromFile bool
		expected logrus.Level
	}{
		{name: "defaults to warn", expected: logrus.WarnLevel},
		{name: "defaults ignore unloaded config", cfg: config.Default(), expected: logrus.WarnLevel},
		{name: "config file level", cfg: fileCfg, fromFile: true, expected: logrus.ErrorLevel},
		{name: "verbose beats config", args: []string{"--verbose"}, cfg: fileCfg, fromFile: true, expected: logrus.DebugLevel},
		{name: "log-level beats verbose", args: []string{"--verbose", "--log-level", "info"}, expected: logrus.InfoLevel},
		{name: "log-level debug", args: []string{"--log-level", "debug"}, expected: logrus.DebugLevel},
		{name: "log-level warn", args: []string{"--log-level", "warn"}, expected: logrus.WarnLevel},
		{name: "log-level error", args: []string{"--log-level", "error"}, expected: logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := configureLogger(newLoggingCmd(t, tt.args...), tt.cfg, tt.fromFile)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestConfigureLoggerInvalid(t *testing.T) {
	_, err := configureLogger(newLoggingCmd(t, "--log-level", "loud"), nil, false)
	assert.ErrorContains(t, err, "invalid log level")

	bad := config.Default()
	bad.LogLevel = "loud"
	_, err = configureLogger(newLoggingCmd(t), bad, true)
	assert.Error(t, err)
}
