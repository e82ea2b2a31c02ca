package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"risk-auth-service/internal/bucketing"
	"risk-auth-service/internal/config"
	"risk-auth-service/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{}

func (failingSink) Name() string { return "failing" }
func (failingSink) Write(context.Context, *model.AuditEvent) error {
	return errors.New("sink unavailable")
}

type closingSink struct {
	MemorySink
	closed bool
}

func (s *closingSink) Close() error {
	s.closed = true
	return nil
}

func newBucketer() *bucketing.BucketingManager {
	return bucketing.NewBucketingManager(&config.Config{Bucketing: config.BucketingConfig{UserBuckets: 64, EventBuckets: 16}})
}

func TestRecorder_StampsEvents(t *testing.T) {
	mem := NewMemorySink()
	b := newBucketer()
	r := NewRecorder(b, time.Second, nil, mem)

	r.Record(context.Background(), &model.AuditEvent{Type: model.AuditDecision, Identity: "alice", Decision: model.DecisionAllow})

	events := mem.Events()
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].OccurredAt.IsZero())
	assert.Equal(t, b.EventBucket("alice"), events[0].Bucket)
	assert.Equal(t, b.UserBucket("alice"), events[0].UserBucket)
}

func TestToRow_MatchesInsertColumns(t *testing.T) {
	score := 0.42
	e := &model.AuditEvent{
		ID:         "ev-1",
		Type:       model.AuditDecision,
		Identity:   "alice",
		OccurredAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Score:      &score,
		Bucket:     7,
		UserBucket: 513,
	}
	row := toRow(e)

	cols := clickhouseInsert[strings.Index(clickhouseInsert, "(")+1 : strings.LastIndex(clickhouseInsert, ")")]
	assert.Len(t, row, len(strings.Split(cols, ",")))
	assert.Equal(t, uint16(7), row[5])
	assert.Equal(t, uint32(513), row[6])
	assert.Equal(t, []string{}, row[9])
}

func TestRecorder_FailingSinkDoesNotBlockOthers(t *testing.T) {
	mem := NewMemorySink()
	r := NewRecorder(newBucketer(), time.Second, nil, failingSink{}, mem)

	r.Record(context.Background(), &model.AuditEvent{Type: model.AuditOTPIssued, Identity: "bob"})
	r.Record(context.Background(), &model.AuditEvent{Type: model.AuditOTPVerified, Identity: "bob"})

	assert.Equal(t, []model.AuditEventType{model.AuditOTPIssued, model.AuditOTPVerified}, mem.Types())
}

func TestRecorder_IgnoresCallerCancellation(t *testing.T) {
	mem := NewMemorySink()
	r := NewRecorder(nil, time.Second, nil, mem)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, &model.AuditEvent{Type: model.AuditOTPExpired, Identity: "carol"})
	r.Record(ctx, nil)

	assert.Len(t, mem.Events(), 1)
}

func TestRecorder_Close(t *testing.T) {
	c := &closingSink{}
	r := NewRecorder(nil, 0, nil, c, NewMemorySink())
	require.NoError(t, r.Close())
	assert.True(t, c.closed)
	assert.Equal(t, []string{"memory", "memory"}, r.Sinks())
}

type fakeProducer struct {
	mu       sync.Mutex
	topics   []string
	keys     []string
	payloads [][]byte
}

func (p *fakeProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, string(key))
	p.payloads = append(p.payloads, value)
	return nil
}

func TestKafkaSink(t *testing.T) {
	p := &fakeProducer{}
	s := NewKafkaSink(p, "auth.audit")

	require.NoError(t, s.Write(context.Background(), &model.AuditEvent{
		ID:       "ev-1",
		Type:     model.AuditDecision,
		Identity: "alice",
		Score:    model.Float(0.4),
	}))
	assert.Equal(t, []string{"auth.audit"}, p.topics)
	assert.Equal(t, []string{"alice"}, p.keys)
	assert.Contains(t, string(p.payloads[0]), `"decision"`)
}

type fakeInserter struct {
	mu      sync.Mutex
	batches [][][]interface{}
	err     error
}

func (f *fakeInserter) BatchInsert(_ context.Context, _ string, rows [][]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, rows)
	return f.err
}

func (f *fakeInserter) rows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestClickHouseSink_FlushesOnBatchSize(t *testing.T) {
	ins := &fakeInserter{}
	s := NewClickHouseSink(ins, 2, time.Hour, nil)
	defer s.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Write(context.Background(), &model.AuditEvent{ID: "e", Type: model.AuditDecision, OccurredAt: time.Now()}))
	}
	assert.Eventually(t, func() bool { return ins.rows() == 4 }, time.Second, 5*time.Millisecond)
}

func TestClickHouseSink_CloseFlushesRemainder(t *testing.T) {
	ins := &fakeInserter{}
	s := NewClickHouseSink(ins, 100, time.Hour, nil)

	score := 0.7
	attempts := 2
	require.NoError(t, s.Write(context.Background(), &model.AuditEvent{
		ID:                "e1",
		Type:              model.AuditOTPFailed,
		Identity:          "dave",
		OccurredAt:        time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Score:             &score,
		AttemptsRemaining: &attempts,
	}))
	require.NoError(t, s.Close())

	require.Equal(t, 1, ins.rows())
	row := ins.batches[0][0]
	assert.Equal(t, "e1", row[0])
	assert.Equal(t, "otp_failed", row[1])
	assert.Equal(t, []string{}, row[8])
	assert.Equal(t, int32(2), *row[15].(*int32))

	assert.Error(t, s.Write(context.Background(), &model.AuditEvent{ID: "late"}))
}

type fakeIndexer struct {
	index string
	id    string
}

func (f *fakeIndexer) IndexDocument(_ context.Context, index, id string, _ interface{}) error {
	f.index, f.id = index, id
	return nil
}

func TestElasticsearchSink_DailyIndex(t *testing.T) {
	idx := &fakeIndexer{}
	s := NewElasticsearchSink(idx, "")

	at := time.Date(2026, 3, 2, 23, 30, 0, 0, time.FixedZone("GST", -4*3600))
	require.NoError(t, s.Write(context.Background(), &model.AuditEvent{ID: "ev-9", OccurredAt: at}))
	assert.Equal(t, "auth-audit-2026-03-03", idx.index)
	assert.Equal(t, "ev-9", idx.id)
}
