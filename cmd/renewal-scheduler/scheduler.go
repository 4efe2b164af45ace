package main

import (
	"context"
	"sync"
	"time"

	"github.com/donateflow/simplepay-gateway/internal/config"
	"github.com/donateflow/simplepay-gateway/internal/logger"
	"github.com/donateflow/simplepay-gateway/internal/store"
)

// Scheduler drives recurring donation renewals: on each tick it loads the
// subscriptions whose next billing date has passed and hands them to the
// executor.
type Scheduler struct {
	store    store.SubscriptionStore
	executor *Executor
	config   config.SchedulerConfig
	logger   *logger.Logger

	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.RWMutex
	lastRun    *time.Time
	lastResult *BatchResult
}

// NewScheduler creates a new scheduler instance
func NewScheduler(st store.SubscriptionStore, executor *Executor, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		executor: executor,
		config:   cfg,
		logger:   log,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the scheduler background processing
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting scheduler", "tick_interval", s.config.TickInterval, "batch_size", s.config.BatchSize)

	s.wg.Add(1)
	go s.run()
}

// Stop gracefully stops the scheduler, waiting for the current batch.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping scheduler, waiting for current batch")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.config.Enabled {
				s.tick()
			}
		}
	}
}

// tick executes one scheduling cycle
func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	now := time.Now()
	s.mu.Lock()
	s.lastRun = &now
	s.mu.Unlock()

	subscriptions, err := s.store.GetSubscriptionsDue(ctx, s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to load due subscriptions", "error", err)
		return
	}

	if len(subscriptions) == 0 {
		return
	}

	s.logger.Info("scheduler tick", "due", len(subscriptions))

	result := s.executor.ExecuteBatch(ctx, subscriptions)

	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()

	s.logger.Info("batch completed",
		"processed", result.Processed,
		"successful", result.Successful,
		"failed", result.Failed,
		"duration", result.Duration)
}

// TriggerManual runs one scheduling cycle immediately.
func (s *Scheduler) TriggerManual(ctx context.Context) (*BatchResult, error) {
	subscriptions, err := s.store.GetSubscriptionsDue(ctx, s.config.BatchSize)
	if err != nil {
		return nil, err
	}

	if len(subscriptions) == 0 {
		return &BatchResult{}, nil
	}

	result := s.executor.ExecuteBatch(ctx, subscriptions)

	now := time.Now()
	s.mu.Lock()
	s.lastRun = &now
	s.lastResult = result
	s.mu.Unlock()

	return result, nil
}

// LastResult returns the last batch execution result
func (s *Scheduler) LastResult() *BatchResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastResult
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
