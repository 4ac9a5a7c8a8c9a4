package storage

import (
	"fmt"
	"path"
	"time"
)

const ParquetContentType = "application/vnd.apache.parquet"

// BuildArchivePath names the object holding attempts firstID..lastID,
// partitioned by the UTC day the archive was written.
func BuildArchivePath(writtenAt time.Time, firstID, lastID int64) (string, error) {
	if firstID <= 0 || lastID < firstID {
		return "", fmt.Errorf("invalid attempt range %d..%d", firstID, lastID)
	}
	ts := writtenAt.UTC()
	return path.Join(
		"history",
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("attempts-%012d-%012d.parquet", firstID, lastID),
	), nil
}
