package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch {
	case strings.HasPrefix(subject, SubjectFeedback+"."):
		_, err := DecodeFeedback(data)
		if err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
	case strings.HasPrefix(subject, SubjectEvents+"."):
		var ev EventPayload
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if ev.Type == "" {
			return fmt.Errorf("schema validation failed for %s: type is required", subject)
		}
	}
	return nil
}

// DecodeFeedback parses and checks a feedback message.
func DecodeFeedback(data []byte) (FeedbackPayload, error) {
	var fb FeedbackPayload
	if err := json.Unmarshal(data, &fb); err != nil {
		return fb, err
	}
	if fb.TaskID == "" {
		return fb, fmt.Errorf("task_id is required")
	}
	if fb.Rating < MinRating || fb.Rating > MaxRating {
		return fb, fmt.Errorf("rating %d out of range [%d, %d]", fb.Rating, MinRating, MaxRating)
	}
	return fb, nil
}
