package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactHookIgnoresEmptySecrets(t *testing.T) {
	t.Parallel()

	hook := NewRedactHook()
	hook.Add("")
	hook.Add("actualsecret")

	entry := &logrus.Entry{
		Message: "This is a test message with actualsecret in it",
		Data:    logrus.Fields{},
	}
	require.NoError(t, hook.Fire(entry))
	assert.Equal(t, "This is a test message with ***SECRET_REDACTED*** in it", entry.Message)
}

func TestRedactHookOnlyEmptySecret(t *testing.T) {
	t.Parallel()

	hook := NewRedactHook()
	hook.Add("")

	entry := &logrus.Entry{Message: "This is a normal message", Data: logrus.Fields{}}
	require.NoError(t, hook.Fire(entry))
	assert.Equal(t, "This is a normal message", entry.Message)
}

func TestRedactHookScrubsFields(t *testing.T) {
	t.Parallel()

	hook := NewRedactHook()
	hook.Add("tok-123")
	hook.Add("tok-123")

	entry := &logrus.Entry{
		Message: "fetched",
		Data: logrus.Fields{
			"url":   "https://example.com/?t=tok-123",
			"error": errors.New("bad tok-123"),
			"count": 3,
		},
	}
	require.NoError(t, hook.Fire(entry))
	assert.Equal(t, "https://example.com/?t="+Redacted, entry.Data["url"])
	assert.Equal(t, "bad "+Redacted, entry.Data["error"])
	assert.Equal(t, 3, entry.Data["count"])
}

func TestNewLoggerEndToEnd(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := New("debug", "json", &buf)
	require.NoError(t, err)

	hook := NewRedactHook()
	hook.Add("hunter2")
	logger.AddHook(hook)

	logger.WithField("password", "hunter2").Info("login attempt")
	assert.NotContains(t, buf.String(), "hunter2")
	assert.Contains(t, buf.String(), Redacted)
}

func TestNewLoggerRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := New("loud", "text", &bytes.Buffer{})
	assert.Error(t, err)
	_, err = New("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}
