// ============================================================================
// cache/pubsub.go - Redis Pub/Sub for race results
// ============================================================================
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/ronaldslwong/copyrust-sub000/internal/models"
	"github.com/ronaldslwong/copyrust-sub000/internal/race"
	"github.com/sirupsen/logrus"
)

const (
	ChannelAllRaces     = "races:all"
	channelVendorPrefix = "races:vendor:"
)

// VendorChannel is the channel carrying the races won by vendor.
func VendorChannel(vendor string) string { return channelVendorPrefix + vendor }

type Publisher struct {
	client redis.UniversalClient
	logger *logrus.Logger
}

func NewPublisher(client redis.UniversalClient, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Publisher{client: client, logger: logger}
}

// PublishRace publishes a race summary to the all-races channel and, when
// someone won, to the winner's channel.
func (p *Publisher) PublishRace(ctx context.Context, s *models.RaceSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	channels := []string{ChannelAllRaces}
	if s.Winner != "" {
		channels = append(channels, VendorChannel(s.Winner))
	}

	pipe := p.client.Pipeline()
	for _, channel := range channels {
		pipe.Publish(ctx, channel, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish race %s: %w", s.RaceID, err)
	}
	return nil
}

func (p *Publisher) ObserveRace(ctx context.Context, r *race.Result) {
	if err := p.PublishRace(ctx, r.Summary()); err != nil {
		p.logger.WithError(err).Warn("failed to publish race")
	}
}

// Subscribe delivers summaries published on channel (or pattern, when it
// contains '*') until ctx is done.
func (p *Publisher) Subscribe(ctx context.Context, channel string, handler func(*models.RaceSummary)) error {
	var sub *redis.PubSub
	if strings.Contains(channel, "*") {
		sub = p.client.PSubscribe(ctx, channel)
	} else {
		sub = p.client.Subscribe(ctx, channel)
	}
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	p.logger.WithField("channel", channel).Info("subscribed to race channel")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var s models.RaceSummary
			if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
				p.logger.WithError(err).WithField("channel", msg.Channel).Warn("error unmarshaling race summary")
				continue
			}
			handler(&s)
		}
	}
}
