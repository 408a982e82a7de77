package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrKeyNotFound is returned by Store.Get for an absent key
var ErrKeyNotFound = errors.New("lock key not found")

// Store is the external atomic key-value coordination store. Values are
// encoded lock records; token comparisons are done store-side so that a
// compare-and-delete is a single atomic step.
type Store interface {
	// SetIfAbsent creates key with value only when it does not exist.
	// A zero ttl creates the key without expiry.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	// DeleteIfTokenMatches removes key only if the stored record carries token.
	// It returns false when the key is missing or owned by another token.
	DeleteIfTokenMatches(ctx context.Context, key, token string) (bool, error)
	// ExtendIfTokenMatches adds extra to the remaining TTL of a leased key.
	ExtendIfTokenMatches(ctx context.Context, key, token string, extra time.Duration) (bool, error)
	// Persist removes the expiry of key. False means the key is gone.
	Persist(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining lifetime; negative when the key has none.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Scan returns at most count keys matching a glob pattern. It inspects a
	// bounded slice of the keyspace and may return fewer keys than exist.
	Scan(ctx context.Context, match string, count int64) ([]string, error)
}

// Record is the value stored under a lock key
type Record struct {
	Owner      string    `json:"owner"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Encode serialises the record for the store.
func (r Record) Encode() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode lock record: %w", err)
	}
	return string(raw), nil
}

// DecodeRecord parses a stored lock value.
func DecodeRecord(value string) (Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(value), &r); err != nil {
		return Record{}, fmt.Errorf("decode lock record: %w", err)
	}
	return r, nil
}
