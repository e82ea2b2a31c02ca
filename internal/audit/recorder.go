package audit

import (
	"context"
	"errors"
	"io"
	"time"

	"risk-auth-service/internal/bucketing"
	"risk-auth-service/internal/metrics"
	"risk-auth-service/internal/model"
	"risk-auth-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sink persists audit events. Write must treat the event as read-only since
// the same pointer is handed to every sink concurrently.
type Sink interface {
	Name() string
	Write(ctx context.Context, event *model.AuditEvent) error
}

// Recorder fans each event out to all sinks. A failing sink is logged and
// counted; it never fails the request that produced the event.
type Recorder struct {
	sinks    []Sink
	bucketer *bucketing.BucketingManager
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewRecorder(bucketer *bucketing.BucketingManager, timeout time.Duration, logger *zap.Logger, sinks ...Sink) *Recorder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		sinks:    sinks,
		bucketer: bucketer,
		timeout:  timeout,
		now:      time.Now,
		logger:   logger,
	}
}

// Record stamps the event and writes it. The caller's cancellation does not
// abort the write; the recorder's own timeout bounds it instead.
func (r *Recorder) Record(ctx context.Context, event *model.AuditEvent) {
	if event == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now()
	}
	if r.bucketer != nil {
		a := r.bucketer.Assign(event.Identity)
		event.Bucket = a.EventBucket
		event.UserBucket = a.UserBucket
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	var g errgroup.Group
	for _, s := range r.sinks {
		g.Go(func() error {
			if err := s.Write(wctx, event); err != nil {
				metrics.AuditSinkFailuresTotal.WithLabelValues(s.Name()).Inc()
				r.logger.Error("Audit sink write failed",
					zap.String("sink", s.Name()),
					zap.String("event_id", event.ID),
					zap.String("type", string(event.Type)),
					zap.String("identity", util.Redact(event.Identity)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close closes every sink that holds resources.
func (r *Recorder) Close() error {
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) Sinks() []string {
	names := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		names = append(names, s.Name())
	}
	return names
}
