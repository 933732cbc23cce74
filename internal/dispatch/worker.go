package dispatch

import (
	"context"
	"time"

	"github.com/samber/lo"

	logx "relaybot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, queue <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-queue:
			s.execJob(ctx, j)
		}
	}
}

func (s *Service) execJob(ctx context.Context, j job) {
	start := time.Now()
	log := s.log.With(logx.String("job", j.id))

	// Per-job cancellation token, honored at every suspension point.
	jctx, jcancel := context.WithCancel(ctx)
	defer jcancel()

	s.statusMu.Lock()
	st := s.status[j.id]
	if st != nil {
		if st.Canceled {
			// Canceled while still queued: report without sending.
			st.DoneAt = time.Now()
			s.statusMu.Unlock()
			log.Info("broadcast job canceled before start")
			s.report(j, Progress{
				JobID:        j.id,
				TotalBatches: batchCount(len(j.recipients), j.limits.BatchSize),
				TotalPlanned: len(j.recipients),
				Final:        true,
				Canceled:     true,
			})
			s.pruneStatus(time.Now())
			return
		}
		st.Running = true
		st.StartedAt = start
		st.cancel = jcancel
	}
	s.statusMu.Unlock()

	batches := lo.Chunk(j.recipients, j.limits.BatchSize)
	planned := len(j.recipients)
	log.Info("broadcast job started",
		logx.Int("recipients", planned),
		logx.Int("batches", len(batches)))

	var totalSuccess, totalFailure int
	canceled := false
	lastBatch := 0

batchLoop:
	for b, batch := range batches {
		lastBatch = b
		var batchSuccess, batchFailure int

		for i, recipient := range batch {
			if jctx.Err() != nil {
				canceled = true
				break batchLoop
			}

			if err := s.sendOne(jctx, recipient, j.message); err != nil {
				if jctx.Err() != nil {
					canceled = true
					break batchLoop
				}
				// A failed recipient is counted and isolated; the batch
				// always proceeds to the next one.
				batchFailure++
				totalFailure++
				log.Warn("broadcast send failed",
					logx.String("recipient", recipient),
					logx.Int("batch", b),
					logx.Err(err))
			} else {
				batchSuccess++
				totalSuccess++
			}

			// Jitter between successive sends, not after the last one.
			if i < len(batch)-1 {
				d := s.jitter(j.limits.MessageDelayMin, j.limits.MessageDelayMax)
				if err := s.wait(jctx, d); err != nil {
					canceled = true
					break batchLoop
				}
			}
		}

		s.updateCounts(j.id, totalSuccess, totalFailure)
		s.report(j, Progress{
			JobID:        j.id,
			BatchIndex:   b,
			TotalBatches: len(batches),
			BatchSuccess: batchSuccess,
			BatchFailure: batchFailure,
			TotalSuccess: totalSuccess,
			TotalFailure: totalFailure,
			TotalPlanned: planned,
		})

		if b < len(batches)-1 {
			if err := s.wait(jctx, j.limits.BatchDelay(b)); err != nil {
				canceled = true
				break batchLoop
			}
		}
	}

	s.finish(j.id, totalSuccess, totalFailure, canceled)
	final := Progress{
		JobID:        j.id,
		BatchIndex:   lastBatch,
		TotalBatches: len(batches),
		TotalSuccess: totalSuccess,
		TotalFailure: totalFailure,
		TotalPlanned: planned,
		Final:        true,
		Canceled:     canceled,
	}
	s.report(j, final)

	fields := []logx.Field{
		logx.Int("success", totalSuccess),
		logx.Int("failed", totalFailure),
		logx.Int("planned", planned),
		logx.Bool("canceled", canceled),
		logx.Duration("took", time.Since(start)),
	}
	if totalFailure > 0 || canceled {
		log.Warn("broadcast job finished with losses", fields...)
	} else {
		log.Info("broadcast job finished", fields...)
	}

	s.pruneStatus(time.Now())
}

func (s *Service) report(j job, p Progress) {
	s.publish(p)
	if j.onProgress != nil {
		j.onProgress(p)
	}
}

func (s *Service) updateCounts(id string, success, failure int) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Success = success
		st.Failed = failure
	}
}

func (s *Service) finish(id string, success, failure int, canceled bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Success = success
		st.Failed = failure
		st.Running = false
		st.DoneAt = time.Now()
		if canceled {
			st.Canceled = true
		}
		st.cancel = nil
	}
}

func batchCount(n, size int) int {
	if size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}
