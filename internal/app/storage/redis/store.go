// Package redis implements the hot-path storage interfaces backed by Redis.
// Commitment sets and the pending claim queue are the two stores the
// settlement path reads on every request, so they get the low-latency
// backend; durable records stay in PostgreSQL.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/obscura-network/sip/internal/app/domain/privacy"
	"github.com/obscura-network/sip/internal/app/domain/settlement"
	"github.com/obscura-network/sip/internal/app/storage"
)

// Store implements CommitmentStore and ClaimStore on a Redis client.
type Store struct {
	client *redis.Client
	prefix string
}

var _ storage.CommitmentStore = (*Store)(nil)
var _ storage.ClaimStore = (*Store)(nil)

// New creates a Store. All keys are namespaced under prefix.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "sip"
	}
	return &Store{client: client, prefix: prefix}
}

// Open connects to Redis at addr and verifies the connection.
func Open(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (s *Store) usedKey(scope string) string {
	return s.prefix + ":used:" + scope
}

func (s *Store) claimsKey() string    { return s.prefix + ":claims" }
func (s *Store) claimKeysKey() string { return s.prefix + ":claim_keys" }
func (s *Store) scheduleKey() string  { return s.prefix + ":claim_schedule" }

// --- CommitmentStore --------------------------------------------------------

func (s *Store) MarkUsed(ctx context.Context, scope string, c settlement.Hash) (bool, error) {
	added, err := s.client.SAdd(ctx, s.usedKey(scope), c.Hex()).Result()
	if err != nil {
		return false, err
	}
	return added == 0, nil
}

func (s *Store) Unmark(ctx context.Context, scope string, c settlement.Hash) error {
	return s.client.SRem(ctx, s.usedKey(scope), c.Hex()).Err()
}

func (s *Store) IsUsed(ctx context.Context, scope string, c settlement.Hash) (bool, error) {
	return s.client.SIsMember(ctx, s.usedKey(scope), c.Hex()).Result()
}

func (s *Store) UsedCount(ctx context.Context, scope string) (int64, error) {
	return s.client.SCard(ctx, s.usedKey(scope)).Result()
}

// --- ClaimStore -------------------------------------------------------------

func claimDedupKey(c privacy.Claim) string {
	return c.Commitment.Hex() + "|" + c.Recipient
}

func (s *Store) CreateClaim(ctx context.Context, claim privacy.Claim) (privacy.Claim, error) {
	if claim.ID == "" {
		claim.ID = uuid.NewString()
	}

	added, err := s.client.SAdd(ctx, s.claimKeysKey(), claimDedupKey(claim)).Result()
	if err != nil {
		return privacy.Claim{}, err
	}
	if added == 0 {
		return privacy.Claim{}, privacy.ErrDuplicateClaim
	}

	payload, err := json.Marshal(claim)
	if err != nil {
		return privacy.Claim{}, err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.claimsKey(), claim.ID, payload)
	pipe.ZAdd(ctx, s.scheduleKey(), &redis.Z{
		Score:  float64(claim.ScheduledAt.UnixNano()),
		Member: claim.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		s.client.SRem(ctx, s.claimKeysKey(), claimDedupKey(claim))
		return privacy.Claim{}, err
	}
	return claim, nil
}

func (s *Store) GetClaim(ctx context.Context, id string) (privacy.Claim, error) {
	payload, err := s.client.HGet(ctx, s.claimsKey(), id).Result()
	if err == redis.Nil {
		return privacy.Claim{}, fmt.Errorf("claim %s not found", id)
	}
	if err != nil {
		return privacy.Claim{}, err
	}

	var claim privacy.Claim
	if err := json.Unmarshal([]byte(payload), &claim); err != nil {
		return privacy.Claim{}, err
	}
	return claim, nil
}

func (s *Store) ListPendingClaims(ctx context.Context) ([]privacy.Claim, error) {
	ids, err := s.client.ZRange(ctx, s.scheduleKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []privacy.Claim{}, nil
	}

	payloads, err := s.client.HMGet(ctx, s.claimsKey(), ids...).Result()
	if err != nil {
		return nil, err
	}

	result := make([]privacy.Claim, 0, len(payloads))
	for _, raw := range payloads {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var claim privacy.Claim
		if err := json.Unmarshal([]byte(str), &claim); err != nil {
			return nil, err
		}
		result = append(result, claim)
	}
	return result, nil
}

func (s *Store) DeleteClaims(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	for _, id := range ids {
		claim, err := s.GetClaim(ctx, id)
		if err != nil {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.HDel(ctx, s.claimsKey(), id)
		pipe.ZRem(ctx, s.scheduleKey(), id)
		pipe.SRem(ctx, s.claimKeysKey(), claimDedupKey(claim))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) PendingClaimCount(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.scheduleKey()).Result()
}
