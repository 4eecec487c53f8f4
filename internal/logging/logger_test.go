package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": Debug, "": Info, "WARNING": Warn, " error ": Error}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestTextLoggerFiltersAndFormats(t *testing.T) {
	var buf bytes.Buffer
	l := New(Info, Text, &buf).With(Subsystem("calib"))
	l.Debug("hidden")
	l.Info("attempt done", Int("attempt", 3), Err(nil), Err(errors.New("boom")))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO] attempt done subsystem=calib attempt=3 error=boom")
}

func TestJSONLoggerPayload(t *testing.T) {
	var buf bytes.Buffer
	New(Debug, JSON, &buf).Warn("timeout", String("serial", "RF3E000123"))

	line := buf.String()
	idx := strings.Index(line, "{")
	require.GreaterOrEqual(t, idx, 0)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(line[idx:]), &payload))
	assert.Equal(t, "WARN", payload["level"])
	assert.Equal(t, "timeout", payload["msg"])
	assert.Equal(t, "RF3E000123", payload["serial"])
}

func TestOrDefault(t *testing.T) {
	assert.NotNil(t, OrDefault(nil))
	l := New(Error, Text, &bytes.Buffer{})
	assert.Same(t, l, OrDefault(l))
}
