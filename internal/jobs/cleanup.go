package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/geofleet/fleet-server-go/internal/audit"
)

// Task is one unit of periodic maintenance; it reports how many rows it touched.
type Task func(context.Context) (int64, error)

type PairingReaper interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

type StaleSweeper interface {
	SweepStale(ctx context.Context) (int64, error)
}

// CleanupJob removes expired pairing requests and marks silent devices
// offline on a fixed interval.
type CleanupJob struct {
	tasks    []namedTask
	interval time.Duration
	timeout  time.Duration
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type namedTask struct {
	name string
	fn   Task
}

func NewCleanupJob(pairing PairingReaper, devices StaleSweeper, interval, timeout time.Duration) *CleanupJob {
	j := &CleanupJob{
		interval: interval,
		timeout:  timeout,
		done:     make(chan struct{}),
	}
	if pairing != nil {
		j.tasks = append(j.tasks, namedTask{"expired pairing requests", pairing.CleanupExpired})
	}
	if devices != nil {
		j.tasks = append(j.tasks, namedTask{"stale online devices", devices.SweepStale})
	}
	return j
}

func (j *CleanupJob) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

// Stop waits for an in-flight pass to finish. Safe to call more than once.
func (j *CleanupJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
		log.Info().Msg("cleanup job stopped")
	})
}

func (j *CleanupJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	for _, task := range j.tasks {
		j.runCleanup(ctx, task.name, task.fn)
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn Task) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
		return
	}
	if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
		audit.Log(ctx, audit.Event{
			Type:    audit.EventCleanupRun,
			Details: map[string]interface{}{"task": name, "count": count},
		})
	}
}
