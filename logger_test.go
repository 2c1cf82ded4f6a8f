package modbus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingLogger is a minimal LeveledLogger that records every call for
// assertions.
type recordingLogger struct {
	lines []string
}

func (l *recordingLogger) Info(msg string)                     { l.lines = append(l.lines, "info: "+msg) }
func (l *recordingLogger) Infof(f string, a ...interface{})    { l.lines = append(l.lines, "info: "+fmt.Sprintf(f, a...)) }
func (l *recordingLogger) Warning(msg string)                  { l.lines = append(l.lines, "warn: "+msg) }
func (l *recordingLogger) Warningf(f string, a ...interface{}) { l.lines = append(l.lines, "warn: "+fmt.Sprintf(f, a...)) }
func (l *recordingLogger) Error(msg string)                    { l.lines = append(l.lines, "error: "+msg) }
func (l *recordingLogger) Errorf(f string, a ...interface{})   { l.lines = append(l.lines, "error: "+fmt.Sprintf(f, a...)) }
func (l *recordingLogger) Fatal(msg string)                    { l.lines = append(l.lines, "fatal: "+msg) }
func (l *recordingLogger) Fatalf(f string, a ...interface{})   { l.lines = append(l.lines, "fatal: "+fmt.Sprintf(f, a...)) }

func TestClientWithInjectedLoggerRejectsUnknownMode(t *testing.T) {
	logger := &recordingLogger{}

	client, err := NewClient(ClientConfiguration{
		URL: "sometype://sometarget",
		Channel: ChannelConfig{
			Logger: logger,
		},
	})
	require.Error(t, err)
	require.Nil(t, client)
}

func TestServerUsesInjectedLogger(t *testing.T) {
	logger := &recordingLogger{}

	server, err := NewServer(ServerConfiguration{
		URL:    "tcp://127.0.0.1:0",
		Logger: logger,
	}, &DummyHandler{})
	require.NoError(t, err)
	require.NotNil(t, server)

	require.NoError(t, server.Start())
	defer server.Stop()

	assert.Same(t, logger, server.logger)
}

func TestServerRejectsMalformedURL(t *testing.T) {
	server, err := NewServer(ServerConfiguration{
		URL: "tcp",
	}, &DummyHandler{})
	require.NoError(t, err)

	err = server.Start()
	assert.Error(t, err)
}
