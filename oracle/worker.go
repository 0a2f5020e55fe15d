package oracle

import (
	"context"
	"errors"
	"log"

	"github.com/soulmatch-labs/soulmatch/backend/fhe"
)

// Worker drains the queue and fulfils decryption jobs against the engine.
type Worker struct {
	queue  Queue
	engine fhe.Engine

	// Authorize decides whether the requester may decrypt the handle.
	// A nil Authorize allows everything (tests, trusted deployments).
	Authorize func(ctx context.Context, requester, handle string) error

	// OnReady fires after a job reaches a terminal state. Used by the
	// backend to emit DecryptionReady events. May be nil.
	OnReady func(job *Job)
}

// NewWorker returns a worker over the given queue and engine.
func NewWorker(queue Queue, engine fhe.Engine) *Worker {
	return &Worker{queue: queue, engine: engine}
}

// Run blocks processing jobs until ctx is canceled or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
				return
			}
			log.Println("oracle: pop failed:", err)
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	job.Status = StatusProcessing
	if err := w.queue.Update(ctx, job); err != nil {
		log.Println("oracle: update failed:", err)
	}

	if w.Authorize != nil {
		if err := w.Authorize(ctx, job.Requester, job.Handle); err != nil {
			w.fail(ctx, job, err)
			return
		}
	}

	plaintext, err := w.engine.Decrypt(fhe.Handle(job.Handle))
	if err != nil {
		w.fail(ctx, job, err)
		return
	}

	job.Status = StatusCompleted
	job.Plaintext = plaintext
	if err := w.queue.Update(ctx, job); err != nil {
		log.Println("oracle: update failed:", err)
	}
	if w.OnReady != nil {
		w.OnReady(job)
	}
}

func (w *Worker) fail(ctx context.Context, job *Job, cause error) {
	job.Status = StatusFailed
	job.Error = cause.Error()
	if err := w.queue.Update(ctx, job); err != nil {
		log.Println("oracle: update failed:", err)
	}
	if w.OnReady != nil {
		w.OnReady(job)
	}
}
