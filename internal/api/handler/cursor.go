package handler

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/cuongbtq/training-dashboard/internal/domain"
)

// JobCursor marks the last job of a page: its index in the filtered snapshot and its id
type JobCursor struct {
	Position int
	JobID    string
}

func DecodeJobCursor(cursorStr string) (*JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.SplitN(string(decoded), "|", 2)
	if len(decodedParts) != 2 || decodedParts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var position int
	if _, err := fmt.Sscanf(decodedParts[0], "%d", &position); err != nil || position < 0 {
		return nil, fmt.Errorf("invalid position in cursor")
	}

	return &JobCursor{
		Position: position,
		JobID:    decodedParts[1],
	}, nil
}

func EncodeJobCursor(cursor *JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.Position, cursor.JobID)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}

// pageStart returns the index following the cursor. The snapshot may have
// shifted since the cursor was issued, so the id wins over the position.
func pageStart(jobs []domain.Job, cursor *JobCursor) int {
	if cursor == nil {
		return 0
	}
	if cursor.Position < len(jobs) && jobs[cursor.Position].ID == cursor.JobID {
		return cursor.Position + 1
	}
	for i, job := range jobs {
		if job.ID == cursor.JobID {
			return i + 1
		}
	}
	return min(cursor.Position+1, len(jobs))
}
