package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	kverr "github.com/openlsm/writepath/internal/errors"
)

// ingestJob carries one sealed set to the worker pool. slot and gen pin
// the registration the set belonged to, so a completion arriving after
// the store was closed and the slot reused cannot touch the new tenant.
type ingestJob struct {
	slot uint32
	gen  uint32
	ps   *pendingSet
}

// rotateLocked seals the slot's active set and installs a fresh one.
// The caller holds s.mu and must submit the returned job after releasing
// it; submitting under the slot lock could deadlock against a worker
// finishing an earlier set for the same slot. Allocation of the fresh
// set happens before the seal, so an allocation failure leaves the
// active set untouched and still mutable.
func (c *Coordinator) rotateLocked(s *slotState, idx StoreIndex) (ingestJob, error) {
	fresh := c.newSet(c.cfg.SetShards)
	if fresh == nil {
		return ingestJob{}, kverr.New(kverr.ErrorTypeAllocation,
			"mutation set allocation failed", nil)
	}

	old := s.active
	if err := old.Seal(); err != nil {
		return ingestJob{}, err
	}
	ps := &pendingSet{set: old, done: make(chan struct{})}
	s.pending = append(s.pending, ps)
	s.active = fresh

	c.metrics.RecordRotation()
	c.logger.Debug("mutation set rotated",
		zap.Stringer("index", idx),
		zap.Uint64("set_id", old.ID()),
		zap.Int64("bytes", old.Size()),
		zap.Int64("mutations", old.Len()))

	return ingestJob{slot: idx.slot(), gen: idx.gen(), ps: ps}, nil
}

// submit hands a job to the worker pool. During shutdown the job is
// failed instead of queued so no sync can block forever.
func (c *Coordinator) submit(job ingestJob) {
	select {
	case c.ingestCh <- job:
	case <-c.stopCh:
		job.ps.err = kverr.New(kverr.ErrorTypeIngest,
			"coordinator shut down before ingest", nil)
		close(job.ps.done)
	}
}

func (c *Coordinator) ingestWorker() {
	defer c.wg.Done()
	for {
		select {
		case job := <-c.ingestCh:
			c.runIngest(job)
		case <-c.stopCh:
			return
		}
	}
}

// runIngest pushes one sealed set into the persistent tree, paced by the
// token bucket: tokens are charged by set size and the advisory delay is
// slept here, in the background worker, never on a foreground thread.
func (c *Coordinator) runIngest(job ingestJob) {
	set := job.ps.set

	delay := c.limiter.Request(uint64(set.Size()))
	c.metrics.ObserveThrottleDelay(delay)
	c.delay(delay)

	start := time.Now()
	err := c.tree.Ingest(context.Background(), set)
	c.metrics.ObserveIngest(time.Since(start), err)
	if err != nil {
		err = kverr.New(kverr.ErrorTypeIngest,
			"persistent tree rejected mutation set", err)
		c.logger.Error("ingest failed",
			zap.Uint64("set_id", set.ID()), zap.Error(err))
	}

	c.detach(job, err)

	if err == nil {
		// Ownership transfers to the ingestion pipeline only after the
		// set is no longer reachable from the read path.
		if rerr := set.Release(); rerr != nil {
			c.logger.Error("release after ingest failed",
				zap.Uint64("set_id", set.ID()), zap.Error(rerr))
		}
	}

	job.ps.err = err
	close(job.ps.done)
}

// detach removes the completed set from its slot's pending list. On
// failure the error is parked on the slot so the next sync surfaces it;
// the set's contents stay recoverable from the journal.
func (c *Coordinator) detach(job ingestJob, err error) {
	s := &c.slots[job.slot]
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.registered || s.gen != job.gen {
		return
	}
	for i, ps := range s.pending {
		if ps == job.ps {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	if err != nil {
		s.lastIngestErr = err
	}
}

// delay sleeps for the advisory throttle delay unless the coordinator is
// shutting down.
func (c *Coordinator) delay(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.stopCh:
	}
}
