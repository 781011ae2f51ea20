package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"security-monitor/internal/config"
	"security-monitor/internal/models"
	"security-monitor/internal/util"
)

const (
	createEventsTable = `CREATE TABLE IF NOT EXISTS security_events (
		id String,
		timestamp DateTime64(3),
		event LowCardinality(String),
		level LowCardinality(String),
		ip String,
		email String,
		user_agent String,
		url String,
		method LowCardinality(String),
		message String
	) ENGINE = MergeTree
	PARTITION BY toYYYYMMDD(timestamp)
	ORDER BY (event, timestamp)`

	createAggregatesTable = `CREATE TABLE IF NOT EXISTS security_aggregates (
		period_start DateTime,
		period_end DateTime,
		total_events UInt64,
		failed_logins UInt64,
		suspicious_activities UInt64,
		blocked_ips UInt64,
		unique_ips UInt64,
		errors UInt64,
		files_analyzed UInt32,
		created_at DateTime
	) ENGINE = MergeTree
	ORDER BY (period_end, period_start)`

	insertEventsQuery     = "INSERT INTO security_events"
	insertAggregatesQuery = "INSERT INTO security_aggregates"
)

// ClickHouseClient stores raw events and per-run aggregates for trend queries.
type ClickHouseClient struct {
	conn   driver.Conn
	config *config.ClickhouseConfig
	mu     sync.RWMutex
}

func NewClickHouseClient(cfg *config.Config, logger *zap.Logger) (*ClickHouseClient, error) {
	chConfig := cfg.Clickhouse

	opts := &ch.Options{
		Addr: []string{extractHostPort(chConfig.URL)},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}

	if strings.HasPrefix(chConfig.URL, "https://") {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: extractHostname(chConfig.URL),
		}
		if caCertPath := util.GetEnv("CLICKHOUSE_CA_FILE", ""); caCertPath != "" {
			caCert, err := os.ReadFile(caCertPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("failed to append CA cert")
			}
			tlsConfig.RootCAs = pool
		}
		opts.TLS = tlsConfig
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	c := &ClickHouseClient{conn: conn, config: &chConfig}
	if err := c.CreateSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("ClickHouse client initialized",
		zap.String("url", chConfig.URL),
		zap.String("database", chConfig.Database),
		zap.Bool("tls_enabled", opts.TLS != nil),
	)
	return c, nil
}

// CreateSchema creates the event and aggregate tables if missing.
func (c *ClickHouseClient) CreateSchema(ctx context.Context) error {
	for _, stmt := range []string{createEventsTable, createAggregatesTable} {
		if err := c.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create clickhouse schema: %w", err)
		}
	}
	return nil
}

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Exec(ctx, query, args...)
}

func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, data [][]interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, row := range data {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}
	return batch.Send()
}

func (c *ClickHouseClient) InsertEvents(ctx context.Context, events []*models.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		rows = append(rows, []interface{}{
			e.ID, e.Timestamp, e.EventLabel(), string(e.EffectiveLevel()),
			e.IP, e.Email, e.UserAgent, e.URL, e.Method, e.Message,
		})
	}
	return c.BatchInsert(ctx, insertEventsQuery, rows)
}

// InsertAggregate records the headline numbers of one analysis run.
func (c *ClickHouseClient) InsertAggregate(ctx context.Context, agg *models.LogAggregate) error {
	row := []interface{}{
		agg.PeriodStart, agg.PeriodEnd,
		uint64(agg.TotalEvents), uint64(agg.FailedLogins),
		uint64(agg.SuspiciousActivities), uint64(agg.BlockedIPs),
		uint64(agg.UniqueIPs()), uint64(len(agg.Errors)),
		uint32(agg.LogFilesAnalyzed), time.Now().UTC(),
	}
	return c.BatchInsert(ctx, insertAggregatesQuery, [][]interface{}{row})
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			util.Error("Failed to close ClickHouse connection", zap.Error(err))
			return err
		}
		util.Info("ClickHouse connection closed")
	}
	return nil
}

func extractHostPort(url string) string {
	cleanURL := strings.TrimPrefix(url, "http://")
	cleanURL = strings.TrimPrefix(cleanURL, "https://")
	cleanURL = strings.TrimPrefix(cleanURL, "clickhouse://")
	if !strings.Contains(cleanURL, ":") {
		if strings.HasPrefix(url, "https://") {
			return cleanURL + ":9440"
		}
		return cleanURL + ":9000"
	}
	return cleanURL
}

func extractHostname(url string) string {
	return strings.Split(extractHostPort(url), ":")[0]
}
