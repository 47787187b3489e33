// Package maintenance runs the accessory's periodic housekeeping jobs --
// broadcast-key rotation checks and a heartbeat mDNS TXT re-registration --
// outside of any request path. Grounded on
// EdgxCloud-EdgeFlow/internal/engine/scheduler.go (cron.Cron wrapped in a
// small registry of named jobs, AddFunc/Remove, Start/Stop).
// github.com/robfig/cron/v3.
package maintenance

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/bleadv"
	"github.com/jwoglom/haprt/pkg/hapserver"
	"github.com/jwoglom/haprt/pkg/platform"
)

// Scheduler owns the cron runtime for an accessory's background jobs.
type Scheduler struct {
	cron *cron.Cron

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// New constructs a Scheduler with second-level cron precision, matching
// the short intervals housekeeping here runs at (key-rotation checks and
// mDNS heartbeats are minutes apart, not hours).
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		jobs: make(map[string]cron.EntryID),
	}
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron runtime and waits for any in-flight job to finish.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// AddJob registers fn under cronExpr, keyed by name so it can later be
// removed with RemoveJob. Returns an error if name is already registered.
func (s *Scheduler) AddJob(name, cronExpr string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return errAlreadyScheduled(name)
	}
	id, err := s.cron.AddFunc(cronExpr, fn)
	if err != nil {
		return err
	}
	s.jobs[name] = id
	return nil
}

// RemoveJob cancels a previously registered job.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
}

type errAlreadyScheduled string

func (e errAlreadyScheduled) Error() string { return "maintenance: job already scheduled: " + string(e) }

// broadcastKeyCheckInterval governs how often the rotation check runs;
// rotation itself only happens once KeyExpiry has passed (spec.md §6
// "Persisted state layout", bleadv.DefaultBroadcastKeyLifetime).
const broadcastKeyCheckInterval = "0 */5 * * * *" // every 5 minutes

// mdnsHeartbeatInterval keeps the TXT record set fresh on networks that
// drop long-lived multicast group membership.
const mdnsHeartbeatInterval = "0 */10 * * * *" // every 10 minutes

// RegisterAccessoryJobs wires the two standing housekeeping jobs for srv:
// a broadcast-key rotation check (BLE accessories only) and an mDNS TXT
// heartbeat (when mDNS is configured).
func RegisterAccessoryJobs(s *Scheduler, srv *hapserver.Server, kv platform.KVStore, clock platform.Clock, bleEnabled bool) {
	if bleEnabled {
		if err := s.AddJob("broadcast-key-rotation", broadcastKeyCheckInterval, func() {
			if _, err := bleadv.LoadOrRotateBroadcastKey(kv, clock); err != nil {
				log.Warnf("maintenance: broadcast key rotation check: %v", err)
			}
		}); err != nil {
			log.Warnf("maintenance: register broadcast-key-rotation: %v", err)
		}
	}

	if err := s.AddJob("mdns-heartbeat", mdnsHeartbeatInterval, func() {
		if err := srv.UpdateMDNS(context.Background()); err != nil {
			log.Warnf("maintenance: mdns heartbeat: %v", err)
		}
	}); err != nil {
		log.Warnf("maintenance: register mdns-heartbeat: %v", err)
	}
}
