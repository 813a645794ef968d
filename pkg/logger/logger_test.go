package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel(" Warning "))
	assert.Equal(t, ERROR, ParseLevel("error"))
	assert.Equal(t, INFO, ParseLevel("bogus"))
	assert.Equal(t, "WARN", WARN.String())
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "json")
	SetLevel(WARN)
	defer func() {
		SetOutput(os.Stderr, "text")
		SetLevel(INFO)
	}()

	InfoCF("test", "hidden", nil)
	assert.Empty(t, buf.String())

	WarnCF("test", "shown", map[string]interface{}{"session_id": "abc"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "abc", entry["session_id"])
}
