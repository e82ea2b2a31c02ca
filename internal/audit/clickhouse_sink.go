package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"risk-auth-service/internal/metrics"
	"risk-auth-service/internal/model"

	"go.uber.org/zap"
)

const clickhouseInsert = `INSERT INTO auth_audit_events (
	event_id, event_type, identity, occurred_at, event_date, bucket, user_bucket,
	decision, score, reasons, fallback, fingerprint_hash, country_code,
	network_address, challenge_id, challenge_state, attempts_remaining, detail
)`

// ClickhouseSchema creates the audit table. MergeTree keeps it append-only.
const ClickhouseSchema = `CREATE TABLE IF NOT EXISTS auth_audit_events (
	event_id String,
	event_type LowCardinality(String),
	identity String,
	occurred_at DateTime64(3, 'UTC'),
	event_date Date,
	bucket UInt16,
	user_bucket UInt32,
	decision LowCardinality(String),
	score Nullable(Float64),
	reasons Array(String),
	fallback Bool,
	fingerprint_hash String,
	country_code LowCardinality(String),
	network_address String,
	challenge_id String,
	challenge_state LowCardinality(String),
	attempts_remaining Nullable(Int32),
	detail String
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (bucket, identity, occurred_at)`

var ErrSinkQueueFull = errors.New("audit sink queue full")

// BatchInserter is satisfied by client.ClickHouseClient.
type BatchInserter interface {
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

// ClickHouseSink buffers rows and inserts them in batches from one goroutine.
// Write only enqueues; a full queue is reported as a write failure.
type ClickHouseSink struct {
	inserter      BatchInserter
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger

	queue     chan []interface{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewClickHouseSink(inserter BatchInserter, batchSize int, flushInterval time.Duration, logger *zap.Logger) *ClickHouseSink {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ClickHouseSink{
		inserter:      inserter,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
		queue:         make(chan []interface{}, batchSize*4),
		done:          make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(_ context.Context, e *model.AuditEvent) error {
	row := toRow(e)
	select {
	case <-s.done:
		return errors.New("clickhouse sink closed")
	default:
	}
	select {
	case s.queue <- row:
		return nil
	default:
		return ErrSinkQueueFull
	}
}

func (s *ClickHouseSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([][]interface{}, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.inserter.BatchInsert(ctx, clickhouseInsert, batch); err != nil {
			metrics.AuditSinkFailuresTotal.WithLabelValues(s.Name()).Add(float64(len(batch)))
			s.logger.Error("ClickHouse audit batch insert failed",
				zap.Int("rows", len(batch)),
				zap.Error(err))
		}
		batch = make([][]interface{}, 0, s.batchSize)
	}

	for {
		select {
		case row := <-s.queue:
			batch = append(batch, row)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			for {
				select {
				case row := <-s.queue:
					batch = append(batch, row)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close drains the queue and performs a final insert.
func (s *ClickHouseSink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

func toRow(e *model.AuditEvent) []interface{} {
	var attempts *int32
	if e.AttemptsRemaining != nil {
		v := int32(*e.AttemptsRemaining)
		attempts = &v
	}
	reasons := e.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	return []interface{}{
		e.ID,
		string(e.Type),
		e.Identity,
		e.OccurredAt.UTC(),
		e.OccurredAt.UTC(),
		uint16(e.Bucket),
		uint32(e.UserBucket),
		string(e.Decision),
		e.Score,
		reasons,
		e.Fallback,
		e.FingerprintHash,
		strings.ToUpper(e.CountryCode),
		e.NetworkAddress,
		e.ChallengeID,
		string(e.ChallengeState),
		attempts,
		e.Detail,
	}
}
