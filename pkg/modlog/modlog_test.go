package modlog

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONRecordsWithServiceFields(t *testing.T) {
	var buf bytes.Buffer
	l := New("mymodule", "1.0.0", "info", &buf)
	l.Infof("started as %s", "m1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "started as m1", rec["msg"])
	require.Equal(t, "mymodule", rec["service"])
	require.Equal(t, "1.0.0", rec["version"])
}

func TestLevelFilteringSuppressesBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	l := New("m", "v", "warn", &buf)
	l.Infof("should not appear")
	require.Empty(t, buf.String())

	l.Warnf("should appear")
	require.NotEmpty(t, buf.String())
}

func TestRedactionAppliesBeforeRecordLeavesLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New("m", "v", "info", &buf)
	l.Redactor().Register("secret-1", "super-secret-value")

	l.Infof("fetched secret %s", "super-secret-value")

	require.NotContains(t, buf.String(), "super-secret-value")
	require.Contains(t, buf.String(), "[REDACTED]")
}

func TestRedactionCoversStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := New("m", "v", "info", &buf)
	l.Redactor().Register("owner", "top-secret")

	l.WithFields(map[string]any{"token": "top-secret"}).Infof("issued token")

	require.NotContains(t, buf.String(), "top-secret")
}

func TestSubscribeReceivesSubsequentRecords(t *testing.T) {
	var buf bytes.Buffer
	l := New("m", "v", "info", &buf)
	ch := l.Subscribe()

	l.Infof("hello %d", 1)

	select {
	case entry := <-ch:
		require.Equal(t, "info", entry.Level)
		require.Equal(t, "hello 1", entry.Message)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the log record")
	}
}
