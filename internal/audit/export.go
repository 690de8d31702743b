package audit

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"time"
)

// WriteCSV serialises rows with a header line. Meta is written as compact JSON.
func WriteCSV(w io.Writer, rows []TimelineRow) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write([]string{"occurred_at", "actor", "action", "entity", "entity_id", "meta"}); err != nil {
		return err
	}
	for _, row := range rows {
		meta := ""
		if len(row.Meta) > 0 {
			raw, err := json.Marshal(row.Meta)
			if err != nil {
				return err
			}
			meta = string(raw)
		}
		if err := writer.Write([]string{
			row.At.UTC().Format(time.RFC3339),
			row.Actor,
			row.Action,
			row.Entity,
			row.EntityID,
			meta,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
