package flags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// All flags live in one hash: field = flag key, value = JSON Flag.
const hashKey = "copyrust:flags"

type Store struct {
	client redis.Cmdable
}

func NewStore(client redis.Cmdable) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	return &Store{client: client}, nil
}

func (s *Store) Upsert(ctx context.Context, key string, value bool) (*Flag, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	flag := &Flag{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	b, err := json.Marshal(flag)
	if err != nil {
		return nil, fmt.Errorf("marshal flag: %w", err)
	}
	if err := s.client.HSet(ctx, hashKey, key, b).Err(); err != nil {
		return nil, fmt.Errorf("upsert flag %s: %w", key, err)
	}
	return flag, nil
}

func (s *Store) Get(ctx context.Context, key string) (*Flag, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	val, err := s.client.HGet(ctx, hashKey, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flag %s: %w", key, err)
	}

	var f Flag
	if err := json.Unmarshal([]byte(val), &f); err != nil {
		return nil, fmt.Errorf("unmarshal flag %s: %w", key, err)
	}
	return &f, nil
}

// List returns every flag sorted by key. Unreadable entries are skipped.
func (s *Store) List(ctx context.Context) ([]*Flag, error) {
	all, err := s.client.HGetAll(ctx, hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}

	out := make([]*Flag, 0, len(all))
	for _, raw := range all {
		var f Flag
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			continue
		}
		out = append(out, &f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete removes a flag. Deleting a missing flag is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.client.HDel(ctx, hashKey, key).Err(); err != nil {
		return fmt.Errorf("delete flag %s: %w", key, err)
	}
	return nil
}

// Snapshot returns every flag as key -> value.
func (s *Store) Snapshot(ctx context.Context) (map[string]bool, error) {
	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(list))
	for _, f := range list {
		out[f.Key] = f.Value
	}
	return out, nil
}

// SetVendor enables or disables a vendor for new fan-outs.
func (s *Store) SetVendor(ctx context.Context, vendor string, enabled bool) (*Flag, error) {
	return s.Upsert(ctx, VendorKey(vendor), enabled)
}
