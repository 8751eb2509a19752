package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupeWindow bounds how long an outcome is replayed.
const DefaultDedupeWindow = 10 * time.Minute

// Result is the outcome of a dispatched module request.
type Result struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	Local    bool        `json:"local,omitempty"`
	Replayed bool        `json:"-"`
}

// Deduper reserves (caller, correlation id) keys for mutating requests.
//
// Begin returns the recorded result and true when key already completed,
// ErrInFlight while it is reserved, and false when the caller now holds the
// reservation and must Complete or Release it.
type Deduper interface {
	Begin(ctx context.Context, key string) (Result, bool, error)
	Complete(ctx context.Context, key string, res Result) error
	Release(ctx context.Context, key string) error
}

type dedupeEntry struct {
	done    bool
	result  Result
	expires time.Time
}

// MemoryDedupe is the in-process Deduper.
type MemoryDedupe struct {
	mu        sync.Mutex
	window    time.Duration
	now       func() time.Time
	entries   map[string]dedupeEntry
	lastSweep time.Time
}

func NewMemoryDedupe(window time.Duration) *MemoryDedupe {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	return &MemoryDedupe{
		window:  window,
		now:     time.Now,
		entries: make(map[string]dedupeEntry),
	}
}

func (d *MemoryDedupe) Begin(_ context.Context, key string) (Result, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.sweepLocked(now)

	if e, ok := d.entries[key]; ok && now.Before(e.expires) {
		if !e.done {
			return Result{}, false, ErrInFlight
		}
		return e.result, true, nil
	}
	d.entries[key] = dedupeEntry{expires: now.Add(d.window)}
	return Result{}, false, nil
}

func (d *MemoryDedupe) Complete(_ context.Context, key string, res Result) error {
	d.mu.Lock()
	d.entries[key] = dedupeEntry{done: true, result: res, expires: d.now().Add(d.window)}
	d.mu.Unlock()
	return nil
}

func (d *MemoryDedupe) Release(_ context.Context, key string) error {
	d.mu.Lock()
	delete(d.entries, key)
	d.mu.Unlock()
	return nil
}

func (d *MemoryDedupe) sweepLocked(now time.Time) {
	if now.Sub(d.lastSweep) < d.window {
		return
	}
	d.lastSweep = now
	for k, e := range d.entries {
		if !now.Before(e.expires) {
			delete(d.entries, k)
		}
	}
}

const redisPending = "pending"

// RedisDedupe shares the dedupe window across hub replicas.
type RedisDedupe struct {
	client redis.UniversalClient
	window time.Duration
	prefix string
}

func NewRedisDedupe(client redis.UniversalClient, window time.Duration) *RedisDedupe {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	return &RedisDedupe{client: client, window: window, prefix: "ocpihub:dedupe:"}
}

func (d *RedisDedupe) Begin(ctx context.Context, key string) (Result, bool, error) {
	k := d.prefix + key
	// one retry covers the key expiring between SETNX and GET
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := d.client.SetNX(ctx, k, redisPending, d.window).Result()
		if err != nil {
			return Result{}, false, fmt.Errorf("reserve dedupe key: %w", err)
		}
		if ok {
			return Result{}, false, nil
		}
		raw, err := d.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Result{}, false, fmt.Errorf("load dedupe key: %w", err)
		}
		if string(raw) == redisPending {
			return Result{}, false, ErrInFlight
		}
		var res Result
		if err := json.Unmarshal(raw, &res); err != nil {
			return Result{}, false, fmt.Errorf("decode dedupe result: %w", err)
		}
		return res, true, nil
	}
	return Result{}, false, ErrInFlight
}

func (d *RedisDedupe) Complete(ctx context.Context, key string, res Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal dedupe result: %w", err)
	}
	if err := d.client.Set(ctx, d.prefix+key, payload, d.window).Err(); err != nil {
		return fmt.Errorf("persist dedupe result: %w", err)
	}
	return nil
}

func (d *RedisDedupe) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release dedupe key: %w", err)
	}
	return nil
}
