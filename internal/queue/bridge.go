package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Consume wires a queue into the message processor: each job becomes a
// typed message (type from the job's "type" data field), and messages that
// exhaust the processor's retries are parked in the dead-letter queue.
// The dlq may be nil, in which case exhausted messages only fail the job.
func Consume(q *Queue, p *Processor, dlq *DeadLetterQueue, concurrency int, logger *zap.Logger) error {
	return q.SetProcessor(func(ctx context.Context, job *Job) (any, error) {
		msgType, _ := job.Data["type"].(string)
		if msgType == "" {
			return nil, fmt.Errorf("job %s has no message type", job.ID)
		}
		msg := Message{
			ID:   job.ID,
			Type: msgType,
			Data: job.Data,
		}

		result, err := p.Process(ctx, msg)
		if err == nil {
			return result, nil
		}

		// Only the final queue attempt parks the message; earlier attempts
		// stay on the queue's own retry schedule.
		if dlq != nil && job.Attempts >= job.MaxAttempts {
			if derr := dlq.AddFailedMessage(ctx, msg, err, RecordContext{
				FailedAt:      time.Now(),
				OriginalQueue: q.Name(),
				Attempts:      job.Attempts,
			}); derr != nil {
				logger.Error("failed to park exhausted message",
					zap.String("job", job.ID),
					zap.Error(derr))
			}
		}
		return nil, err
	}, concurrency)
}
