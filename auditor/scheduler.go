package auditor

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Scheduler runs exactly one upload execution per registered record, either
// inline (blocking the registering call) or on a background goroutine. The
// inline mode exists for hosts that kill background work once the response
// is written.
type Scheduler struct {
	svc    *Service
	inline bool
	log    zerolog.Logger
	wg     sync.WaitGroup
}

func NewScheduler(svc *Service, inline bool, log zerolog.Logger) *Scheduler {
	return &Scheduler{svc: svc, inline: inline, log: log}
}

// Schedule executes the upload for a pending record. Records already in a
// terminal state (cache hits) are left alone. In inline mode the returned
// record reflects the finished upload; in deferred mode it is returned
// unchanged and the caller observes progress through the session store.
func (s *Scheduler) Schedule(sessionID string, rec FileRecord) FileRecord {
	if rec.Terminal() {
		return rec
	}
	if s.inline {
		return s.svc.ExecuteUpload(context.Background(), sessionID, rec)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.svc.ExecuteUpload(context.Background(), sessionID, rec)
	}()
	return rec
}

// Drain blocks until all background uploads have finished. Used on shutdown
// and by tests.
func (s *Scheduler) Drain() {
	s.wg.Wait()
}
