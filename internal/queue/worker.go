package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"
)

var (
	negInf = math.Inf(-1)
	posInf = math.Inf(1)
)

// runWorker drains one topic. A single worker per topic keeps processing
// FIFO by ready time and serialises per-entity mutations within the topic.
func (q *Queue) runWorker(ctx context.Context, topic string) {
	defer q.wg.Done()
	defer q.logger.Infow("Queue worker stopped", "topic", topic)

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain everything that is due before sleeping again
		for {
			job, ok := q.claimDue(ctx, topic)
			if !ok {
				break
			}
			q.process(ctx, job)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// claimDue pops the earliest due job, if any. The single-worker-per-topic
// invariant makes the range-then-remove pair race-free.
func (q *Queue) claimDue(ctx context.Context, topic string) (*Job, bool) {
	now := float64(time.Now().UnixMilli())
	members, err := q.store.ZRangeByScore(ctx, keyScheduledPrefix+topic, negInf, now, 0, 1)
	if err != nil {
		q.logger.Errorw("Queue poll failed", "topic", topic, "error", err)
		return nil, false
	}
	if len(members) == 0 {
		return nil, false
	}

	id := string(members[0].Member)
	if _, err := q.store.ZRem(ctx, keyScheduledPrefix+topic, members[0].Member); err != nil {
		q.logger.Errorw("Queue claim failed", "topic", topic, "id", id, "error", err)
		return nil, false
	}

	job, err := q.readJob(ctx, id)
	if err != nil {
		q.logger.Errorw("Scheduled job without body", "topic", topic, "id", id, "error", err)
		return nil, false
	}
	return job, true
}

func (q *Queue) process(ctx context.Context, job *Job) {
	q.mu.RLock()
	processor := q.processors[job.Topic]
	q.mu.RUnlock()
	if processor == nil {
		q.logger.Errorw("No processor for topic", "topic", job.Topic, "id", job.ID)
		return
	}

	job.Attempt++
	if err := q.writeJob(ctx, job); err != nil {
		q.logger.Errorw("Persist attempt count failed", "id", job.ID, "error", err)
	}

	jobCtx, cancel := context.WithTimeout(ctx, job.timeout())
	result, err := processor(jobCtx, job)
	cancel()

	if err == nil {
		q.logger.Infow("Job completed", "topic", job.Topic, "id", job.ID, "attempt", job.Attempt)
		if _, delErr := q.store.Del(ctx, keyJobPrefix+job.ID); delErr != nil {
			q.logger.Warnw("Remove completed job failed", "id", job.ID, "error", delErr)
		}
		q.notifyCompleted(job, result)
		return
	}

	switch {
	case errors.Is(err, ErrReplaced):
		// The processor scheduled a successor; drop this instance quietly.
		q.logger.Infow("Job replaced", "topic", job.Topic, "id", job.ID)
		q.store.Del(ctx, keyJobPrefix+job.ID)

	case !IsUnrecoverable(err) && job.Attempt < job.MaxAttempts:
		delay := backoffBase << (job.Attempt - 1)
		q.logger.Warnw("Job failed; retrying",
			"topic", job.Topic, "id", job.ID,
			"attempt", job.Attempt, "maxAttempts", job.MaxAttempts,
			"delay", delay, "error", err,
		)
		readyAt := time.Now().Add(delay).UnixMilli()
		if _, zErr := q.store.ZAdd(ctx, keyScheduledPrefix+job.Topic, float64(readyAt), []byte(job.ID)); zErr != nil {
			q.logger.Errorw("Reschedule failed", "id", job.ID, "error", zErr)
		}

	default:
		q.logger.Errorw("Job failed permanently",
			"topic", job.Topic, "id", job.ID, "attempt", job.Attempt, "error", err,
		)
		if job.RemoveOnFail {
			q.store.Del(ctx, keyJobPrefix+job.ID)
		} else if body, mErr := json.Marshal(job); mErr == nil {
			if _, lErr := q.store.RPush(ctx, keyFailedPrefix+job.Topic, body); lErr != nil {
				q.logger.Errorw("Retain failed job failed", "id", job.ID, "error", lErr)
			}
		}
		q.notifyFailed(job, err)
	}
}
