package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Strob0t/Switchyard/internal/domain"
	"github.com/Strob0t/Switchyard/internal/domain/trace"
	"github.com/Strob0t/Switchyard/internal/port/messagequeue"
)

// FeedbackSink receives feedback for a finished request.
type FeedbackSink interface {
	Feedback(ctx context.Context, taskID string, fb trace.Feedback) error
}

// SubscribeFeedback consumes switchyard.feedback.* and forwards each message to sink.
func SubscribeFeedback(ctx context.Context, q messagequeue.Queue, sink FeedbackSink) (func(), error) {
	return q.Subscribe(ctx, messagequeue.SubjectFeedback+".>", FeedbackHandler(sink))
}

// FeedbackHandler decodes feedback messages. Feedback for unknown tasks is
// acknowledged and dropped; other sink errors are returned for redelivery.
func FeedbackHandler(sink FeedbackSink) messagequeue.Handler {
	return func(ctx context.Context, subject string, data []byte) error {
		p, err := messagequeue.DecodeFeedback(data)
		if err != nil {
			return fmt.Errorf("decode feedback on %s: %w", subject, err)
		}
		source := p.Source
		if source == "" {
			source = "bus"
		}
		err = sink.Feedback(ctx, p.TaskID, trace.Feedback{Rating: p.Rating, Comment: p.Comment, Source: source})
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("feedback for unknown task dropped", "task_id", p.TaskID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("store feedback for %s: %w", p.TaskID, err)
		}
		slog.Info("feedback received", "task_id", p.TaskID, "rating", p.Rating, "source", source)
		return nil
	}
}
