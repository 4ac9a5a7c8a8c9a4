package archive

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/sqlagent/sqlagent/internal/catalog"
)

type archivedAttempt struct {
	AttemptID       int64   `parquet:"attempt_id"`
	CallerID        int64   `parquet:"caller_id"`
	TemplateID      int64   `parquet:"template_id"`
	Question        string  `parquet:"question"`
	GeneratedSQL    string  `parquet:"generated_sql"`
	DurationSeconds float64 `parquet:"duration_seconds"`
	Status          string  `parquet:"status"`
	ErrorMessage    string  `parquet:"error_message"`
	RowCount        int64   `parquet:"row_count"`
	CreatedAtUnixMs int64   `parquet:"created_at_unix_ms"`
}

// EncodeAttempts writes attempts as a single parquet file, preserving order.
func EncodeAttempts(attempts []catalog.Attempt) ([]byte, error) {
	if len(attempts) == 0 {
		return nil, fmt.Errorf("attempts are required")
	}

	rows := make([]archivedAttempt, 0, len(attempts))
	for _, attempt := range attempts {
		rows = append(rows, archivedAttempt{
			AttemptID:       attempt.AttemptID,
			CallerID:        attempt.CallerID,
			TemplateID:      attempt.TemplateID,
			Question:        attempt.Question,
			GeneratedSQL:    attempt.GeneratedSQL,
			DurationSeconds: attempt.Duration.Seconds(),
			Status:          string(attempt.Status),
			ErrorMessage:    attempt.ErrorMessage,
			RowCount:        int64(attempt.RowCount),
			CreatedAtUnixMs: attempt.CreatedAt.UnixMilli(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[archivedAttempt](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
