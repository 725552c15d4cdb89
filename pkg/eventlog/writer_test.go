package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterAppendsJSONLRecords(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Record(1, "job_submitted", map[string]any{"risk": "low"}))
	require.NoError(t, w.Record(1, "job_started", nil))
	require.NoError(t, w.Record(2, "job_submitted", map[string]any{"risk": "high"}))

	path := filepath.Join(dir, fmt.Sprintf("events-%s.jsonl", time.Now().Format("2006-01-02")))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, records, 3)
	assert.Equal(t, int64(1), records[0].JobID)
	assert.Equal(t, "job_submitted", records[0].EventType)
	assert.Equal(t, "low", records[0].Payload["risk"])
	assert.NotEmpty(t, records[0].ID)
	assert.NotEqual(t, records[0].ID, records[1].ID)
	assert.Nil(t, records[1].Payload)

	ts, err := time.Parse(time.RFC3339, records[0].Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)
}

func TestWriterSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Record(1, "job_submitted", nil))
	require.NoError(t, w.Close())

	w, err = NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Record(2, "job_submitted", nil))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, fmt.Sprintf("events-%s.jsonl", time.Now().Format("2006-01-02")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(data))
}

func countLines(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}
