// ============================================================================
// cmd/subscriber/main.go - race watcher
// ============================================================================
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/ronaldslwong/copyrust-sub000/internal/cache"
	"github.com/ronaldslwong/copyrust-sub000/internal/models"
	"github.com/sirupsen/logrus"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("redis", envOr("REDIS_ADDR", "localhost:6379"), "redis address")
	vendor := flag.String("vendor", "", "also follow the races won by this vendor")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: *addr})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Fatal("failed to connect to Redis")
	}

	pub := cache.NewPublisher(client, logger)

	channels := []string{cache.ChannelAllRaces}
	if *vendor != "" {
		channels = append(channels, cache.VendorChannel(*vendor))
	} else {
		channels = append(channels, cache.VendorChannel("*"))
	}

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()
			err := pub.Subscribe(ctx, channel, func(s *models.RaceSummary) { printRace(logger, channel, s) })
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).WithField("channel", channel).Error("subscription ended")
			}
		}(ch)
	}

	logger.WithField("channels", channels).Info("watching races, Ctrl+C to stop")
	<-ctx.Done()
	logger.Info("shutting down subscriber")
	wg.Wait()
}

func printRace(logger *logrus.Logger, channel string, s *models.RaceSummary) {
	entry := logger.WithFields(logrus.Fields{
		"channel":   channel,
		"race":      s.RaceID,
		"tag":       s.Tag,
		"mint":      s.Mint,
		"wall_ms":   s.WallTimeMs,
		"detect_ms": s.SinceDetectedMs,
		"succeeded": s.Succeeded,
		"total":     s.Total,
	})
	if s.Winner == "" {
		entry.Warn("race lost on every vendor")
		return
	}
	entry.WithFields(logrus.Fields{"winner": s.Winner, "signature": s.Signature}).Info("race won")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
