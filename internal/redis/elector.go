package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const electorTTL = 30 * time.Second

// Elector is SETNX-based leader election for coordinator singleton duties
// (the stale-task sweep). Only one coordinator replica holds the lease at a
// time; the others keep answering queries and reconciling their own work.
type Elector struct {
	client     *redis.Client
	key        string
	instanceID string
}

// NewElector creates an elector for the named duty.
func NewElector(client *redis.Client, duty, instanceID string) *Elector {
	return &Elector{client: client, key: "qc:leader:" + duty, instanceID: instanceID}
}

// AcquireOrRenew attempts SETNX; returns true if this instance is the leader.
func (e *Elector) AcquireOrRenew(ctx context.Context) (bool, error) {
	ok, err := e.client.SetNX(ctx, e.key, e.instanceID, electorTTL).Result()
	if err != nil {
		return false, fmt.Errorf("leader election SetNX: %w", err)
	}
	if ok {
		return true, nil
	}

	// Already set — renew only if we own it (atomic Lua script avoids races).
	renewScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	result, err := renewScript.Run(
		ctx, e.client,
		[]string{e.key},
		e.instanceID,
		electorTTL.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader renewal: %w", err)
	}
	return result == 1, nil
}
