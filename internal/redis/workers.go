package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const workerTTL = 90 * time.Second

func workerKey(id string) string { return "qc:worker:" + id }

// Heartbeat is what each compute worker periodically writes about itself.
type Heartbeat struct {
	WorkerID  string    `json:"worker_id"`
	Tag       string    `json:"tag,omitempty"`
	Programs  []string  `json:"programs"`
	Version   string    `json:"version,omitempty"`
	Submitted int64     `json:"submitted"`
	Completed int64     `json:"completed"`
	Failed    int64     `json:"failed"`
	SentAt    time.Time `json:"sent_at"`
}

// WorkerRegistry tracks live compute workers through TTL'd heartbeats.
// A worker that stops heartbeating ages out after workerTTL; liveness is
// therefore eventually consistent, which is all Health() needs.
type WorkerRegistry struct {
	client *redis.Client
}

// NewWorkerRegistry creates a Redis-backed worker registry.
func NewWorkerRegistry(client *redis.Client) *WorkerRegistry {
	return &WorkerRegistry{client: client}
}

// Beat records a worker heartbeat, refreshing its TTL.
func (r *WorkerRegistry) Beat(ctx context.Context, hb Heartbeat) error {
	hb.SentAt = time.Now().UTC()
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if err := r.client.Set(ctx, workerKey(hb.WorkerID), data, workerTTL).Err(); err != nil {
		return fmt.Errorf("redis heartbeat for %s: %w", hb.WorkerID, err)
	}
	return nil
}

// Alive lists workers whose heartbeat has not expired.
func (r *WorkerRegistry) Alive(ctx context.Context) ([]Heartbeat, error) {
	var (
		cursor uint64
		out    []Heartbeat
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, workerKey("*"), 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan workers: %w", err)
		}
		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Bytes()
			if err != nil {
				continue // expired between SCAN and GET
			}
			var hb Heartbeat
			if err := json.Unmarshal(data, &hb); err != nil {
				continue
			}
			out = append(out, hb)
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// Deregister removes a worker immediately, for clean shutdowns.
func (r *WorkerRegistry) Deregister(ctx context.Context, workerID string) error {
	if err := r.client.Del(ctx, workerKey(workerID)).Err(); err != nil {
		return fmt.Errorf("redis deregister %s: %w", workerID, err)
	}
	return nil
}
