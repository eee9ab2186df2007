package confirm

import (
	"context"
	"sync"
	"time"

	"github.com/AnuragDani/payment-gateway/internal/logger"
)

const sweepTimeout = 2 * time.Minute

// SweeperStatus is the sweeper state reported by the health endpoint
type SweeperStatus struct {
	Running      bool         `json:"running"`
	Interval     string       `json:"interval"`
	BatchSize    int          `json:"batch_size"`
	LastRun      *time.Time   `json:"last_run,omitempty"`
	NextRun      *time.Time   `json:"next_run,omitempty"`
	LastReport   *RetryReport `json:"last_report,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	TotalRetried int          `json:"total_retried"`
}

// Sweeper periodically retries fulfillment for confirmed transactions
// whose dispatch failed
type Sweeper struct {
	protocol  *Protocol
	interval  time.Duration
	batchSize int
	logger    *logger.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	lastRun *time.Time
	nextRun *time.Time
	last    *RetryReport
	lastErr string
	retried int
}

func NewSweeper(p *Protocol, interval time.Duration, batchSize int, log *logger.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = 50
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Sweeper{
		protocol:  p,
		interval:  interval,
		batchSize: batchSize,
		logger:    log,
		stopCh:    make(chan struct{}),
	}
}

// Start begins background sweeping. A non-positive interval disables it.
func (s *Sweeper) Start() {
	if s.interval <= 0 {
		return
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("fulfillment sweeper started", "interval", s.interval.String(), "batch_size", s.batchSize)

	s.wg.Add(1)
	go s.run()
}

// Stop waits for an in-progress sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("fulfillment sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.scheduleNext()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
			s.scheduleNext()
		}
	}
}

func (s *Sweeper) scheduleNext() {
	next := time.Now().Add(s.interval)
	s.mu.Lock()
	s.nextRun = &next
	s.mu.Unlock()
}

// Sweep runs one retry pass immediately
func (s *Sweeper) Sweep(ctx context.Context) (*RetryReport, error) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	now := time.Now()
	report, err := s.protocol.RetryPending(ctx, s.batchSize)

	s.mu.Lock()
	s.lastRun = &now
	s.last = report
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	if report != nil {
		s.retried += report.Attempted
	}
	s.mu.Unlock()

	switch {
	case err != nil:
		s.logger.Error("fulfillment sweep failed", "error", err)
	case report.Attempted > 0:
		s.logger.Info("fulfillment sweep completed",
			"attempted", report.Attempted,
			"succeeded", len(report.Succeeded),
			"failed", len(report.Failed),
			"skipped", len(report.Skipped))
	}
	return report, err
}

func (s *Sweeper) Status() SweeperStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SweeperStatus{
		Running:      s.running,
		Interval:     s.interval.String(),
		BatchSize:    s.batchSize,
		LastRun:      s.lastRun,
		NextRun:      s.nextRun,
		LastReport:   s.last,
		LastError:    s.lastErr,
		TotalRetried: s.retried,
	}
}
