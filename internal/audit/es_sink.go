package audit

import (
	"context"

	"risk-auth-service/internal/bucketing"
	"risk-auth-service/internal/model"
)

// Indexer is satisfied by client.ESClient.
type Indexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchSink indexes each event into a daily index so operators can
// search decisions by identity, country or reason.
type ElasticsearchSink struct {
	indexer Indexer
	prefix  string
}

func NewElasticsearchSink(indexer Indexer, prefix string) *ElasticsearchSink {
	if prefix == "" {
		prefix = "auth-audit"
	}
	return &ElasticsearchSink{indexer: indexer, prefix: prefix}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) IndexFor(e *model.AuditEvent) string {
	return s.prefix + "-" + bucketing.DateBucket(e.OccurredAt)
}

func (s *ElasticsearchSink) Write(ctx context.Context, e *model.AuditEvent) error {
	return s.indexer.IndexDocument(ctx, s.IndexFor(e), e.ID, e)
}
