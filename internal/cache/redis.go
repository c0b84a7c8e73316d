package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ronaldslwong/copyrust-sub000/internal/models"
	"github.com/ronaldslwong/copyrust-sub000/internal/race"
	"github.com/sirupsen/logrus"
)

const (
	DefaultRecentKey = "races:recent"
	DefaultRecentMax = 100
)

// RecentRaces keeps the last races as a capped redis list, newest first.
type RecentRaces struct {
	client redis.UniversalClient
	key    string
	max    int64
	logger *logrus.Logger
}

type RecentConfig struct {
	Key    string
	Max    int64
	Logger *logrus.Logger
}

func NewRecentRaces(client redis.UniversalClient, cfg RecentConfig) *RecentRaces {
	if cfg.Key == "" {
		cfg.Key = DefaultRecentKey
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultRecentMax
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &RecentRaces{client: client, key: cfg.Key, max: cfg.Max, logger: cfg.Logger}
}

// Add pushes s and trims the list to its cap in one round trip.
func (r *RecentRaces) Add(ctx context.Context, s *models.RaceSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key, data)
	pipe.LTrim(ctx, r.key, 0, r.max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add recent race: %w", err)
	}
	return nil
}

// Recent returns up to limit summaries, newest first.
func (r *RecentRaces) Recent(ctx context.Context, limit int64) ([]*models.RaceSummary, error) {
	if limit <= 0 || limit > r.max {
		limit = r.max
	}
	raw, err := r.client.LRange(ctx, r.key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("get recent races: %w", err)
	}
	out := make([]*models.RaceSummary, 0, len(raw))
	for _, item := range raw {
		var s models.RaceSummary
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			r.logger.WithError(err).Warn("skipping malformed recent race")
			continue
		}
		out = append(out, &s)
	}
	return out, nil
}

func (r *RecentRaces) ObserveRace(ctx context.Context, res *race.Result) {
	if err := r.Add(ctx, res.Summary()); err != nil {
		r.logger.WithError(err).Warn("failed to record recent race")
	}
}

func (r *RecentRaces) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
