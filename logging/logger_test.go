package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLogger_ProdWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLogger(createLogger(&buf, "prod"))

	l.With("upload_id", "u-1").Info("upload started", "parts", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "upload started", entry["msg"])
	assert.Equal(t, "u-1", entry["upload_id"])
	assert.EqualValues(t, 3, entry["parts"])
}

func TestCreateLogger_DevLogsDebug(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLogger(createLogger(&buf, "dev"))

	l.Debug("listing chunks", "prefix", "files/")

	assert.Contains(t, buf.String(), "listing chunks")
	assert.Contains(t, buf.String(), "prefix=files/")
}

func TestCreateLogger_ProdDropsDebug(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLogger(createLogger(&buf, "production"))

	l.Debug("noisy")

	assert.Empty(t, buf.String())
}
