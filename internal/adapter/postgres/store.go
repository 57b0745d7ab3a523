package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/Switchyard/internal/domain/trace"
	"github.com/Strob0t/Switchyard/internal/port/learning"
)

const titleLen = 80

var (
	_ learning.Sink           = (*LearningStore)(nil)
	_ learning.FeedbackSource = (*LearningStore)(nil)
)

// LearningStore implements learning.Sink and learning.FeedbackSource.
type LearningStore struct {
	pool *pgxpool.Pool
}

// NewLearningStore creates a store backed by pool.
func NewLearningStore(pool *pgxpool.Pool) *LearningStore {
	return &LearningStore{pool: pool}
}

// Capture stores one exchange. A task is captured at most once.
func (s *LearningStore) Capture(ctx context.Context, c learning.Capture) error {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO knowledge (task_id, intent, title, prompt, result, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (task_id) DO NOTHING`,
		c.TaskID, c.Intent, title(c.Prompt), c.Prompt, c.Result, created)
	if err != nil {
		return fmt.Errorf("capture %s: %w", c.TaskID, err)
	}
	return nil
}

// Related returns up to limit items ranked by full-text match against text.
// Items captured for the same intent rank first.
func (s *LearningStore) Related(ctx context.Context, intent, text string, limit int) ([]learning.Knowledge, error) {
	if limit <= 0 || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, title, intent, result
		 FROM knowledge, plainto_tsquery('simple', $2) q
		 WHERE search @@ q
		 ORDER BY (intent = $1) DESC, ts_rank(search, q) DESC, created_at DESC
		 LIMIT $3`,
		intent, text, limit)
	if err != nil {
		return nil, fmt.Errorf("related knowledge: %w", err)
	}
	defer rows.Close()

	var out []learning.Knowledge
	for rows.Next() {
		var k learning.Knowledge
		var src string
		if err := rows.Scan(&k.ID, &k.Title, &src, &k.Content); err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		k.Source = "knowledge:" + src
		out = append(out, k)
	}
	return out, rows.Err()
}

// SaveFeedback upserts the feedback for a task.
func (s *LearningStore) SaveFeedback(ctx context.Context, taskID string, fb trace.Feedback) error {
	created := fb.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trace_feedback (task_id, rating, comment, source, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (task_id) DO UPDATE
		 SET rating = EXCLUDED.rating, comment = EXCLUDED.comment,
		     source = EXCLUDED.source, created_at = EXCLUDED.created_at`,
		taskID, fb.Rating, fb.Comment, fb.Source, created)
	if err != nil {
		return fmt.Errorf("save feedback %s: %w", taskID, err)
	}
	return nil
}

// ListFeedback returns all stored feedback keyed by task id.
func (s *LearningStore) ListFeedback(ctx context.Context) (map[string]trace.Feedback, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, rating, comment, source, created_at FROM trace_feedback`)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	out := make(map[string]trace.Feedback)
	for rows.Next() {
		var id string
		var rating int16
		var fb trace.Feedback
		if err := rows.Scan(&id, &rating, &fb.Comment, &fb.Source, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		fb.Rating = int(rating)
		out[id] = fb
	}
	return out, rows.Err()
}

// title is the first line of the prompt, cut to titleLen runes.
func title(prompt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	return trace.Preview(line, titleLen)
}
