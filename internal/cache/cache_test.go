package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/redis/go-redis/v9"
	"github.com/ronaldslwong/copyrust-sub000/internal/models"
	"github.com/ronaldslwong/copyrust-sub000/internal/race"
	"github.com/ronaldslwong/copyrust-sub000/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ storage.RaceSink     = (*Publisher)(nil)
	_ storage.RaceHistory  = (*RecentRaces)(nil)
	_ storage.OutcomeStore = (*ClickHouseStore)(nil)
	_ race.Sink            = (*Publisher)(nil)
	_ race.Sink            = (*RecentRaces)(nil)
	_ race.Sink            = (*ClickHouseStore)(nil)
)

func setupTestRedis(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	require.NoError(t, client.FlushDB(ctx).Err())
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func sampleResult(id string) *race.Result {
	var sig solana.Signature
	sig[0] = 1
	win := race.Outcome{Vendor: "zeroslot", Signature: sig, Elapsed: 80 * time.Millisecond}
	lost := race.Outcome{Vendor: "jito", Elapsed: 20 * time.Millisecond, Err: errors.New("bundle rejected")}
	return &race.Result{
		ID:        id,
		Tag:       "pumpfun",
		StartedAt: time.Now(),
		WallTime:  80 * time.Millisecond,
		Outcomes:  []race.Outcome{win, lost},
		Successes: []race.Outcome{win},
		Failures:  []race.Outcome{lost},
	}
}

func TestRecentRaces_AddTrimRecent(t *testing.T) {
	client := setupTestRedis(t)
	recent := NewRecentRaces(client, RecentConfig{Max: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		recent.ObserveRace(ctx, sampleResult(fmt.Sprintf("race-%d", i)))
	}

	got, err := recent.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "race-4", got[0].RaceID)
	assert.Equal(t, "zeroslot", got[0].Winner)
	assert.Len(t, got[0].Outcomes, 2)

	got, err = recent.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestPublisher_PublishAndSubscribe(t *testing.T) {
	client := setupTestRedis(t)
	pub := NewPublisher(client, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan *models.RaceSummary, 1)
	ready := make(chan struct{})
	go func() {
		sub := client.Subscribe(ctx, VendorChannel("zeroslot"))
		defer sub.Close()
		if _, err := sub.Receive(ctx); err != nil {
			return
		}
		close(ready)
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		var s models.RaceSummary
		if json.Unmarshal([]byte(msg.Payload), &s) == nil {
			received <- &s
		}
	}()

	select {
	case <-ready:
	case <-ctx.Done():
		t.Fatal("subscription not ready")
	}
	pub.ObserveRace(ctx, sampleResult("race-pub"))

	select {
	case s := <-received:
		assert.Equal(t, "race-pub", s.RaceID)
		assert.Equal(t, 1, s.Succeeded)
	case <-ctx.Done():
		t.Fatal("no message on the winner channel")
	}
}

func TestVendorChannel(t *testing.T) {
	assert.Equal(t, "races:vendor:jito", VendorChannel("jito"))
}
