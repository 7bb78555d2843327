package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports events as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports events as a JSON array.
	ExportFormatJSON ExportFormat = "json"
)

// ParseFormat maps a query value to an ExportFormat; empty means JSON.
func ParseFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "", ExportFormatJSON:
		return ExportFormatJSON, nil
	case ExportFormatCSV:
		return ExportFormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export format: %s", s)
	}
}

// ExportEvents renders events in the given format.
func ExportEvents(events []*Event, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatCSV:
		return exportToCSV(events)
	case ExportFormatJSON:
		return exportToJSON(events)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

func exportToCSV(events []*Event) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	header := []string{
		"ID",
		"Timestamp (UTC)",
		"Account ID",
		"Action",
		"Outcome",
		"Metadata",
		"Request ID",
		"IP Address",
		"Previous Hash",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range events {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		row := []string{
			e.ID,
			e.CreatedAt.UTC().Format(time.RFC3339Nano),
			e.AccountID,
			e.Action,
			e.Outcome,
			string(meta),
			e.RequestID,
			e.IPAddress,
			e.PreviousHash,
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

// exportEvent is the JSON shape of an event.
type exportEvent struct {
	ID           string         `json:"id"`
	Timestamp    string         `json:"timestamp"`
	AccountID    string         `json:"account_id"`
	Action       string         `json:"action"`
	Outcome      string         `json:"outcome"`
	Metadata     map[string]any `json:"metadata"`
	RequestID    string         `json:"request_id,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	PreviousHash string         `json:"previous_hash,omitempty"`
}

func exportToJSON(events []*Event) ([]byte, error) {
	out := make([]exportEvent, len(events))
	for i, e := range events {
		out[i] = exportEvent{
			ID:           e.ID,
			Timestamp:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
			AccountID:    e.AccountID,
			Action:       e.Action,
			Outcome:      e.Outcome,
			Metadata:     e.Metadata,
			RequestID:    e.RequestID,
			IPAddress:    e.IPAddress,
			PreviousHash: e.PreviousHash,
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
