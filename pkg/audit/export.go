package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// Export encodes events in the requested format.
func Export(events []*Event, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatJSON, "":
		return exportJSON(events)
	case ExportFormatNDJSON:
		return exportNDJSON(events)
	case ExportFormatCSV:
		return exportCSV(events)
	default:
		return nil, fmt.Errorf("unsupported export format: %q", format)
	}
}

func exportJSON(events []*Event) ([]byte, error) {
	if events == nil {
		events = []*Event{}
	}
	return json.MarshalIndent(events, "", "  ")
}

func exportNDJSON(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// exportCSV flattens Data into a single JSON column so rows stay rectangular.
func exportCSV(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write([]string{"ID", "Timestamp", "EventType", "UserID", "Data"}); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, event := range events {
		data, err := marshalData(event.Data)
		if err != nil {
			return nil, err
		}
		row := []string{
			event.ID,
			event.Timestamp.UTC().Format(time.RFC3339Nano),
			string(event.EventType),
			event.UserID(),
			data,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

func marshalData(data map[string]interface{}) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode event data: %w", err)
	}
	return string(b), nil
}
