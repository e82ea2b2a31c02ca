package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"go.uber.org/zap"

	"risk-auth-service/internal/config"
	"risk-auth-service/internal/util"
)

type ESClient struct {
	Client *elasticsearch.Client
}

func NewElasticsearchClient(cfg *config.Config) (*ESClient, error) {
	esConfig := cfg.Elasticsearch

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if caFile := util.GetEnv("ELASTICSEARCH_CA_FILE", ""); caFile != "" {
		tlsConfig, err := loadTLSConfig(caFile, "", "")
		if err != nil {
			return nil, fmt.Errorf("elasticsearch TLS: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{esConfig.URL},
		Username:  esConfig.Username,
		Password:  esConfig.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	esClient := &ESClient{Client: client}
	if err := esClient.HealthCheck(context.Background()); err != nil {
		return nil, fmt.Errorf("elasticsearch connection test failed: %w", err)
	}

	util.Info("Elasticsearch client initialized", zap.String("url", esConfig.URL))
	return esClient, nil
}

func (e *ESClient) HealthCheck(ctx context.Context) error {
	res, err := e.Client.Info(e.Client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to get cluster info: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}

// IndexDocument writes document under id. Reindexing the same id overwrites.
func (e *ESClient) IndexDocument(ctx context.Context, index, id string, document interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(document); err != nil {
		return fmt.Errorf("error encoding document: %w", err)
	}

	res, err := e.Client.Index(
		index,
		&buf,
		e.Client.Index.WithContext(ctx),
		e.Client.Index.WithDocumentID(id),
	)
	if err != nil {
		return fmt.Errorf("error indexing document: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("elasticsearch index error [%s]: %s", res.Status(), strings.TrimSpace(string(body)))
	}
	return nil
}
