package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoFormatIsJSONWhenNotATerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Level: "debug", Console: &buf})
	require.NoError(t, err)
	defer closeFn()

	logger.WithField("task_id", "task-1").Debug("fetching")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "fetching", entry["msg"])
	assert.Equal(t, "task-1", entry["task_id"])
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestTextFormatAndFileRotation(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "audio.log")
	logger, closeFn, err := New(Options{Format: "text", File: path, MaxSizeMB: 1, Console: &buf})
	require.NoError(t, err)

	logger.Info("sweep finished")
	require.NoError(t, closeFn())

	assert.True(t, strings.Contains(buf.String(), `msg="sweep finished"`))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "sweep finished")
}

func TestRejectsBadOptions(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	assert.Error(t, err)
	_, _, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}
