package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"mcpgw/pkg/models"
)

const (
	redisIntentPrefix     = "mcpgw:intent:"
	redisCapabilityPrefix = "mcpgw:capability:"
	redisServerPrefix     = "mcpgw:server:"
	redisIntentSet        = "mcpgw:intents"
	redisCapabilitySet    = "mcpgw:capabilities"
)

// RedisBackend shares declarations across gateway replicas. Values are JSON;
// the server-name index is a plain latest-wins key.
type RedisBackend struct{ client *redis.Client }

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) PutIntent(ctx context.Context, decl models.ClientIntentDeclaration) error {
	raw, err := json.Marshal(decl)
	if err != nil {
		return err
	}
	if err := b.client.Set(ctx, redisIntentPrefix+decl.IntentID, raw, 0).Err(); err != nil {
		return err
	}
	return b.client.SAdd(ctx, redisIntentSet, decl.IntentID).Err()
}

func (b *RedisBackend) GetIntent(ctx context.Context, id string) (models.ClientIntentDeclaration, error) {
	raw, err := b.client.Get(ctx, redisIntentPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return models.ClientIntentDeclaration{}, fmt.Errorf("%w: intent %s", ErrNotFound, id)
	}
	if err != nil {
		return models.ClientIntentDeclaration{}, err
	}
	var decl models.ClientIntentDeclaration
	if err := json.Unmarshal([]byte(raw), &decl); err != nil {
		return models.ClientIntentDeclaration{}, err
	}
	return decl, nil
}

func (b *RedisBackend) CountIntents(ctx context.Context) (int, error) {
	n, err := b.client.SCard(ctx, redisIntentSet).Result()
	return int(n), err
}

func (b *RedisBackend) PutCapability(ctx context.Context, decl models.ServerCapabilityDeclaration) error {
	raw, err := json.Marshal(decl)
	if err != nil {
		return err
	}
	if err := b.client.Set(ctx, redisCapabilityPrefix+decl.CapabilityID, raw, 0).Err(); err != nil {
		return err
	}
	if err := b.client.SAdd(ctx, redisCapabilitySet, decl.CapabilityID).Err(); err != nil {
		return err
	}
	if decl.ServerName != "" {
		return b.client.Set(ctx, redisServerPrefix+decl.ServerName, decl.CapabilityID, 0).Err()
	}
	return nil
}

func (b *RedisBackend) GetCapability(ctx context.Context, id string) (models.ServerCapabilityDeclaration, error) {
	raw, err := b.client.Get(ctx, redisCapabilityPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return models.ServerCapabilityDeclaration{}, fmt.Errorf("%w: capability %s", ErrNotFound, id)
	}
	if err != nil {
		return models.ServerCapabilityDeclaration{}, err
	}
	var decl models.ServerCapabilityDeclaration
	if err := json.Unmarshal([]byte(raw), &decl); err != nil {
		return models.ServerCapabilityDeclaration{}, err
	}
	return decl, nil
}

func (b *RedisBackend) ListCapabilities(ctx context.Context) ([]models.ServerCapabilityDeclaration, error) {
	ids, err := b.client.SMembers(ctx, redisCapabilitySet).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.ServerCapabilityDeclaration, 0, len(ids))
	for _, id := range ids {
		decl, err := b.GetCapability(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, decl)
	}
	return out, nil
}

func (b *RedisBackend) LookupServerName(ctx context.Context, name string) (string, error) {
	id, err := b.client.Get(ctx, redisServerPrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: server %s", ErrNotFound, name)
	}
	return id, err
}
