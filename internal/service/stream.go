package service

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Strob0t/Switchyard/internal/domain/task"
	"github.com/Strob0t/Switchyard/internal/port/broadcast"
)

const progressBuffer = 64

// progressStream collects streamed chunks from a strategy and writes the
// accumulated text to the task at most once per interval. The final text is
// always written when the stream is closed.
type progressStream struct {
	ch   chan string
	done chan struct{}
}

// startProgress starts draining a new stream for task id.
func (p *PipelineService) startProgress(ctx context.Context, id string) *progressStream {
	ps := &progressStream{
		ch:   make(chan string, progressBuffer),
		done: make(chan struct{}),
	}
	interval := p.cfg.StreamMinInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer close(ps.done)
		var (
			text    strings.Builder
			pending bool
		)
		for chunk := range ps.ch {
			text.WriteString(chunk)
			if !limiter.Allow() {
				pending = true
				continue
			}
			p.writeProgress(ctx, id, text.String())
			pending = false
		}
		if pending {
			p.writeProgress(ctx, id, text.String())
		}
	}()
	return ps
}

// Chan is the write side handed to strategies.
func (ps *progressStream) Chan() chan<- string { return ps.ch }

// Close ends the stream and waits for the last write. Senders must have stopped.
func (ps *progressStream) Close() {
	close(ps.ch)
	<-ps.done
}

func (p *PipelineService) writeProgress(ctx context.Context, id, text string) {
	_ = p.store.SetContext(id, task.CtxProgress, text)
	p.events.BroadcastEvent(ctx, broadcast.EventTaskProgress, TaskProgressEvent{TaskID: id, Text: text})
}
