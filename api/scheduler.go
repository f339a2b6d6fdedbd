/*
scheduler.go - Periodic audit integrity sweep

PURPOSE:
  Periodically recomputes the audit entries of payroll details stored since
  the previous sweep and reports every entry whose snapshot no longer
  reproduces its stored result.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Walks details in insertion order with a cursor, in batches
  - Never corrects anything: findings are logged and kept in the last result
  - One sweep at a time; a manual RunNow waits for a running sweep

CONFIGURATION:
  - CheckInterval: How often to sweep (payroll.audit_sweep_interval)
  - Enabled: Whether the background loop runs (interval > 0)

USAGE:
  sweeper := NewAuditScheduler(store, recorder, interval, log)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: VerifyDetail endpoint (on-demand verification)
  - audit/verify.go: Recomputation
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/payroll-engine/audit"
	"github.com/warp/payroll-engine/fiscal"
	"github.com/warp/payroll-engine/store/sqlite"
)

// sweepBatch is the number of details read per query.
const sweepBatch = 200

// SweepFinding is an entry that failed verification, or a detail that could
// not be verified at all.
type SweepFinding struct {
	PayrollDetailID string `json:"payroll_detail_id"`
	EntryID         string `json:"entry_id,omitempty"`
	Reason          string `json:"reason"`
}

type SweepResult struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Details    int            `json:"details"`
	Entries    int            `json:"entries"`
	Invalid    []SweepFinding `json:"invalid"`
	Errors     []SweepFinding `json:"errors"`
}

// AuditScheduler sweeps new payroll details for audit integrity.
type AuditScheduler struct {
	Store         *sqlite.Store
	Audit         *audit.Recorder
	CheckInterval time.Duration
	Enabled       bool

	log *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	sweepMu sync.Mutex
	cursor  int64
	last    *SweepResult
}

// NewAuditScheduler creates a scheduler. A non-positive interval disables
// the background loop; RunNow still works.
func NewAuditScheduler(store *sqlite.Store, recorder *audit.Recorder, interval time.Duration, log *zap.Logger) *AuditScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditScheduler{
		Store:         store,
		Audit:         recorder,
		CheckInterval: interval,
		Enabled:       interval > 0,
		log:           log.Named("audit.sweeper"),
	}
}

// Start begins the scheduler.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("audit sweep disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.log.Info("audit sweep started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info("audit sweep stopped")
	}
}

func (s *AuditScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	s.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow sweeps immediately and returns the result.
func (s *AuditScheduler) RunNow(ctx context.Context) SweepResult {
	return s.sweep(ctx)
}

// LastResult returns the most recent sweep, or nil before the first one.
func (s *AuditScheduler) LastResult() *SweepResult {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if s.last == nil {
		return nil
	}
	res := *s.last
	return &res
}

func (s *AuditScheduler) sweep(ctx context.Context) SweepResult {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	res := SweepResult{StartedAt: time.Now().UTC(), Invalid: []SweepFinding{}, Errors: []SweepFinding{}}
	for ctx.Err() == nil {
		details, next, err := s.Store.ListDetailsAfter(ctx, s.cursor, sweepBatch)
		if err != nil {
			s.log.Error("audit sweep read failed", zap.Int64("cursor", s.cursor), zap.Error(err))
			break
		}
		if len(details) == 0 {
			break
		}
		for _, d := range details {
			s.verifyDetail(ctx, d, &res)
		}
		s.cursor = next
	}
	res.FinishedAt = time.Now().UTC()
	s.last = &res

	fields := []zap.Field{
		zap.Int("details", res.Details),
		zap.Int("entries", res.Entries),
		zap.Int("invalid", len(res.Invalid)),
		zap.Int("errors", len(res.Errors)),
	}
	if len(res.Invalid) > 0 || len(res.Errors) > 0 {
		s.log.Warn("audit sweep found problems", fields...)
	} else if res.Details > 0 {
		s.log.Info("audit sweep completed", fields...)
	}
	return res
}

func (s *AuditScheduler) verifyDetail(ctx context.Context, d fiscal.PayrollDetail, res *SweepResult) {
	res.Details++
	if d.Status == fiscal.DetailFailed {
		return
	}

	reports, err := s.Audit.VerifyDetail(ctx, d.ID)
	if err != nil {
		res.Errors = append(res.Errors, SweepFinding{PayrollDetailID: d.ID, Reason: err.Error()})
		return
	}
	res.Entries += len(reports)
	for _, rep := range reports {
		if !rep.Valid {
			res.Invalid = append(res.Invalid, SweepFinding{
				PayrollDetailID: d.ID,
				EntryID:         rep.EntryID,
				Reason:          rep.Reason,
			})
		}
	}
}
