// Package cache holds the short-lived membership sets that tell a batch
// worker which primary keys belong to its batch.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL bounds how long a batch may wait in the queue before its membership is lost.
const DefaultTTL = 4 * time.Hour

// ErrMembershipExpired is returned when a batch key has no cached members.
var ErrMembershipExpired = errors.New("batch membership expired or missing")

// Membership stores and returns the id set of a batch.
type Membership interface {
	// Store replaces the set under key and sets its TTL.
	Store(ctx context.Context, key string, ids []int64, ttl time.Duration) error

	// Members returns the ids under key in ascending order, or ErrMembershipExpired.
	Members(ctx context.Context, key string) ([]int64, error)
}

// BatchKey builds the cache key of one batch.
func BatchKey(namespace string, exportID uuid.UUID, batchID int64) string {
	return fmt.Sprintf("%s/%s/%d", namespace, exportID, batchID)
}

func encode(ids []int64) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatInt(id, 10)
	}
	return out
}

func decode(members []string) ([]int64, error) {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid cached id %q: %w", m, err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
