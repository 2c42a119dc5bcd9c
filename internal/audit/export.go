package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/citabot/citabot/internal/models"
)

// ExportFormat selects the serialization used by Export.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
	FormatText ExportFormat = "txt"
)

// ParseExportFormat validates a format string from a request.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(s)) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatText:
		return FormatText, nil
	}
	return "", &models.ValidationError{Field: "format", Reason: "must be json, csv or txt"}
}

// ContentType returns the HTTP content type for the format.
func (f ExportFormat) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatText:
		return "text/plain"
	default:
		return "application/json"
	}
}

// Export serializes the events matching the filter in the requested format.
func (l *Ledger) Export(f models.AuditFilter, format ExportFormat) ([]byte, error) {
	page, err := l.Query(f)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatJSON:
		return json.MarshalIndent(page, "", "  ")
	case FormatCSV:
		return exportCSV(page.Events)
	case FormatText:
		return exportText(page.Events), nil
	}
	return nil, &models.ValidationError{Field: "format", Reason: "must be json, csv or txt"}
}

func exportCSV(events []models.AuditEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"id", "event_type", "severity", "subject", "actor", "ip", "user_agent", "timestamp", "details"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, e := range events {
		row := []string{
			e.ID, string(e.Type), string(e.Severity), e.Subject, e.ActorID,
			e.IPAddress, e.UserAgent, e.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			flattenDetails(e.Details),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("csv export failed: %w", err)
	}
	return buf.Bytes(), nil
}

func exportText(events []models.AuditEvent) []byte {
	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "[%s] %s %s", e.Timestamp.Format("2006-01-02 15:04:05"), e.Severity, e.Type)
		if e.Subject != "" {
			fmt.Fprintf(&b, " subject=%s", e.Subject)
		}
		if e.ActorID != "" {
			fmt.Fprintf(&b, " actor=%s", e.ActorID)
		}
		if e.IPAddress != "" {
			fmt.Fprintf(&b, " ip=%s", e.IPAddress)
		}
		if d := flattenDetails(e.Details); d != "" {
			fmt.Fprintf(&b, " %s", d)
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// flattenDetails renders the details map as sorted key=value pairs so output
// is stable across runs.
func flattenDetails(details map[string]string) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+details[k])
	}
	return strings.Join(pairs, " ")
}
