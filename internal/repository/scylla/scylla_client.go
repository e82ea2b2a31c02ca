package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"risk-auth-service/internal/config"
	"risk-auth-service/internal/util"
)

// Statements are plain CQL; gocql prepares each one on first use and caches it
// per connection, so repositories build a fresh *gocql.Query per call.
type Statements struct {
	InsertDevice    string
	GetDevice       string
	TouchDevice     string
	TrustDevice     string
	UpsertChallenge string
	GetChallenge    string
}

var statements = Statements{
	InsertDevice: `INSERT INTO device_records (identity, fingerprint_hash, first_seen, last_seen, trusted, trusted_at)
		VALUES (?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
	GetDevice: `SELECT first_seen, last_seen, trusted, trusted_at FROM device_records
		WHERE identity = ? AND fingerprint_hash = ?`,
	TouchDevice: `UPDATE device_records SET last_seen = ?
		WHERE identity = ? AND fingerprint_hash = ? IF last_seen < ?`,
	TrustDevice: `UPDATE device_records SET trusted = true, trusted_at = ?
		WHERE identity = ? AND fingerprint_hash = ? IF trusted = false`,
	UpsertChallenge: `INSERT INTO otp_challenges (
		identity, challenge_id, code_hash, code_salt, pepper_version, algorithm,
		fingerprint_hash, created_at, expires_at, attempts_remaining, max_attempts,
		state, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) USING TTL ?`,
	GetChallenge: `SELECT challenge_id, code_hash, code_salt, pepper_version, algorithm,
		fingerprint_hash, created_at, expires_at, attempts_remaining, max_attempts,
		state, updated_at
		FROM otp_challenges WHERE identity = ?`,
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS device_records (
		identity text,
		fingerprint_hash text,
		first_seen timestamp,
		last_seen timestamp,
		trusted boolean,
		trusted_at timestamp,
		PRIMARY KEY ((identity), fingerprint_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS otp_challenges (
		identity text PRIMARY KEY,
		challenge_id text,
		code_hash text,
		code_salt text,
		pepper_version int,
		algorithm text,
		fingerprint_hash text,
		created_at timestamp,
		expires_at timestamp,
		attempts_remaining int,
		max_attempts int,
		state text,
		updated_at timestamp
	)`,
}

type ScyllaClient struct {
	Session    *gocql.Session
	Statements Statements
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_TLS_CA_FILE", "/app/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_TLS_CERT_FILE", "/app/certs/scylla.pem"),
			KeyPath:                util.GetEnv("SCYLLA_TLS_KEY_FILE", "/app/certs/scylla.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{Session: session, Statements: statements}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.EnsureSchema(ctx); err != nil {
		session.Close()
		return nil, err
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

// EnsureSchema creates the tables in the session keyspace if missing.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply scylla schema: %w", err)
		}
	}
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry retries a write with a short linear backoff, giving up
// early when ctx ends.
func (s *ScyllaClient) ExecuteWithRetry(ctx context.Context, query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if lastErr = query.WithContext(ctx).Exec(); lastErr == nil {
			return nil
		}
		if i < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
			}
		}
	}
	return lastErr
}
