package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultTaskTimeout = 30 * time.Second

// CleanupFunc removes expired state and reports how many items it removed.
type CleanupFunc func(ctx context.Context) (int64, error)

type Task struct {
	Name string
	Run  CleanupFunc
}

type CleanupJob struct {
	tasks    []Task
	interval time.Duration
	timeout  time.Duration
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewCleanupJob(interval time.Duration, tasks ...Task) *CleanupJob {
	return &CleanupJob{
		tasks:    tasks,
		interval: interval,
		timeout:  defaultTaskTimeout,
		done:     make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().Dur("interval", j.interval).Int("tasks", len(j.tasks)).Msg("cleanup job started")
}

// Stop halts the ticker and waits for a running pass to finish. Calling it
// more than once is a no-op.
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

	j.RunOnce()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.RunOnce()
		}
	}
}

// RunOnce executes every task a single time.
func (j *CleanupJob) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	for _, task := range j.tasks {
		j.runCleanup(ctx, task.Name, task.Run)
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn CleanupFunc) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
