package cache

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/ronaldslwong/copyrust-sub000/internal/models"
	"github.com/ronaldslwong/copyrust-sub000/internal/race"
	"github.com/sirupsen/logrus"
)

const outcomesTable = "race_outcomes"

const createOutcomesTable = `
	CREATE TABLE IF NOT EXISTS race_outcomes (
		race_id            String,
		timestamp          DateTime64(3),
		tag                LowCardinality(String),
		mint               String,
		vendor             LowCardinality(String),
		signature          String,
		success            Bool,
		winner             Bool,
		rank               UInt8,
		latency_ms         Float64,
		since_detection_ms Float64,
		error              String
	) ENGINE = MergeTree
	ORDER BY (vendor, timestamp)
`

type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Logger   *logrus.Logger
}

// ClickHouseStore keeps per-vendor race history for latency analysis.
type ClickHouseStore struct {
	conn   driver.Conn
	logger *logrus.Logger
}

func NewClickHouseStore(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseStore, error) {
	if cfg.Database == "" {
		cfg.Database = "copyrust"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	// Test connection
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	cfg.Logger.WithFields(logrus.Fields{"addr": cfg.Addr, "database": cfg.Database}).Info("connected to clickhouse")
	return &ClickHouseStore{conn: conn, logger: cfg.Logger}, nil
}

func (c *ClickHouseStore) EnsureSchema(ctx context.Context) error {
	if err := c.conn.Exec(ctx, createOutcomesTable); err != nil {
		return fmt.Errorf("create %s: %w", outcomesTable, err)
	}
	return nil
}

// InsertOutcomes writes rows in one batch.
func (c *ClickHouseStore) InsertOutcomes(ctx context.Context, rows []models.RaceOutcome) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO "+outcomesTable)
	if err != nil {
		return fmt.Errorf("prepare outcome batch: %w", err)
	}
	for i := range rows {
		if err := batch.AppendStruct(&rows[i]); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append outcome: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert outcomes: %w", err)
	}
	return nil
}

// VendorStats aggregates the history of one vendor.
type VendorStats struct {
	Vendor       string  `ch:"vendor" json:"vendor"`
	Sends        uint64  `ch:"sends" json:"sends"`
	Successes    uint64  `ch:"successes" json:"successes"`
	Wins         uint64  `ch:"wins" json:"wins"`
	AvgLatencyMs float64 `ch:"avg_latency_ms" json:"avg_latency_ms"`
}

// VendorStats returns per-vendor totals, most wins first.
func (c *ClickHouseStore) VendorStats(ctx context.Context) ([]VendorStats, error) {
	var out []VendorStats
	err := c.conn.Select(ctx, &out, `
		SELECT vendor,
		       count()            AS sends,
		       countIf(success)   AS successes,
		       countIf(winner)    AS wins,
		       avg(latency_ms)    AS avg_latency_ms
		FROM race_outcomes
		GROUP BY vendor
		ORDER BY wins DESC`)
	if err != nil {
		return nil, fmt.Errorf("query vendor stats: %w", err)
	}
	return out, nil
}

func (c *ClickHouseStore) ObserveRace(ctx context.Context, r *race.Result) {
	if err := c.InsertOutcomes(ctx, r.Rows()); err != nil {
		c.logger.WithError(err).WithField("race_id", r.ID).Warn("failed to store race outcomes")
	}
}

func (c *ClickHouseStore) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

func (c *ClickHouseStore) Close() error { return c.conn.Close() }
