package audit

import (
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exportFixture() []*Event {
	ts := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return []*Event{
		{ID: "e1", EventType: EventLoginFailed, Timestamp: ts, Data: map[string]interface{}{"user_id": "u1", "ip": "10.0.0.1"}},
		{ID: "e2", EventType: EventKeyRotation, Timestamp: ts.Add(time.Second)},
	}
}

func TestExportJSON(t *testing.T) {
	out, err := Export(exportFixture(), ExportFormatJSON)
	require.NoError(t, err)

	var decoded []Event
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Len(t, decoded, 2)

	empty, err := Export(nil, ExportFormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(empty))
}

func TestExportNDJSON(t *testing.T) {
	out, err := Export(exportFixture(), ExportFormatNDJSON)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	assert.Len(t, lines, 2)
}

func TestExportCSV(t *testing.T) {
	out, err := Export(exportFixture(), ExportFormatCSV)
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(out))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"ID", "Timestamp", "EventType", "UserID", "Data"}, records[0])
	assert.Equal(t, "u1", records[1][3])
	assert.JSONEq(t, `{"user_id":"u1","ip":"10.0.0.1"}`, records[1][4])
	assert.Equal(t, "", records[2][4])
}

func TestExportUnknownFormat(t *testing.T) {
	_, err := Export(exportFixture(), ExportFormat("xml"))
	assert.Error(t, err)
}
