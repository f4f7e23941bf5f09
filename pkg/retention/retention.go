// Package retention sweeps aged-out local state: failed sends past the
// configured age and cached attachments no message references anymore.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"chatsync/pkg/attach"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
)

// Sweeper runs the retention passes.
type Sweeper struct {
	st           *store.Store
	attach       *attach.Store
	maxFailedAge time.Duration
	log          *zap.Logger
	now          func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New builds a Sweeper.
func New(st *store.Store, at *attach.Store, maxFailedAge time.Duration, log *zap.Logger, opts ...Option) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sweeper{st: st, attach: at, maxFailedAge: maxFailedAge, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the cron-driven scheduler. Returns a cancel func; a
// disabled sweeper returns a no-op cancel.
func (s *Sweeper) Start(ctx context.Context, enabled bool, cronExpr string) (context.CancelFunc, error) {
	if !enabled {
		s.log.Info("retention_disabled")
		return func() {}, nil
	}
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("retention: invalid cron expression: %s", cronExpr)
	}
	ctx2, cancel := context.WithCancel(ctx)
	go s.runScheduler(ctx2, cronExpr)
	s.log.Info("retention_scheduler_started", zap.String("cron", cronExpr), zap.Duration("max_failed_age", s.maxFailedAge))
	return cancel, nil
}

func (s *Sweeper) runScheduler(ctx context.Context, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			s.log.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			s.log.Error("retention_nexttick_failed", zap.String("cron", cronExpr), zap.Error(err))
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if err := s.RunOnce(); err != nil {
				s.log.Error("retention_run_error", zap.Error(err))
			}
		case <-ctx.Done():
			s.log.Info("retention_scheduler_stopping")
			return
		}
	}
}

// RunOnce executes one full sweep: stale failed sends, then orphaned
// attachment files.
func (s *Sweeper) RunOnce() error {
	removedMsgs, keptAttachments, err := s.sweepFailed()
	if err != nil {
		return err
	}
	removedFiles, err := s.sweepOrphans(keptAttachments)
	if err != nil {
		return err
	}
	s.log.Info("retention_run_complete",
		zap.Int("failed_removed", removedMsgs),
		zap.Int("orphans_removed", removedFiles))
	return nil
}

// sweepFailed deletes failed sends older than maxFailedAge along with
// their cached attachments, and collects the attachment paths still in
// use by surviving messages.
func (s *Sweeper) sweepFailed() (int, map[string]bool, error) {
	convs, err := s.st.ListConversations()
	if err != nil {
		return 0, nil, err
	}
	cutoff := s.now().Add(-s.maxFailedAge).UnixNano()
	kept := make(map[string]bool)
	removed := 0
	for _, c := range convs {
		msgs, err := s.st.ListMessages(c.ID)
		if err != nil {
			return removed, kept, err
		}
		for i := range msgs {
			m := &msgs[i]
			if m.Status == models.StatusFailed && m.CreatedAt < cutoff {
				if err := s.st.DeleteMessage(m.ID); err != nil {
					s.log.Error("retention_delete_failed", zap.String("id", m.ID), zap.Error(err))
					continue
				}
				if m.LocalAttachment != "" {
					_ = s.attach.Delete(m.LocalAttachment)
				}
				removed++
				continue
			}
			if m.LocalAttachment != "" {
				kept[m.LocalAttachment] = true
			}
		}
	}
	return removed, kept, nil
}

// sweepOrphans removes cached attachment files no message references.
func (s *Sweeper) sweepOrphans(kept map[string]bool) (int, error) {
	paths, err := s.attach.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, p := range paths {
		if kept[p] {
			continue
		}
		if err := s.attach.Delete(p); err != nil {
			s.log.Error("retention_orphan_delete_failed", zap.String("path", p), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}
