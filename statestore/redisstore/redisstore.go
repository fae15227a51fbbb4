// Package redisstore implements the state-store gateway (statestore.Gateway)
// against Redis, as a pluggable alternative to the DynamoDB backend. It uses
// narrow RedisClient/Scripter interfaces and Lua scripts to make each
// claim/heartbeat/checkpoint write atomic and conditional, against a row
// shaped as WorkerId/LastHeartbeat/LastCheckpoint rather than a lease.
package redisstore

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	kcl "github.com/shardconsumer/kcl/interfaces"
	"github.com/shardconsumer/kcl/logger"
	"github.com/shardconsumer/kcl/statestore"
)

const defaultKeyPrefix = "kcl"

// RedisClient is the minimal interface over *goredis.Client used by the
// gateway. *goredis.Client satisfies this naturally.
type RedisClient interface {
	Ping(ctx context.Context) *goredis.StatusCmd
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
	Close() error
}

// Scripter is the interface for running Lua scripts (satisfied by
// *goredis.Client).
type Scripter interface {
	goredis.Scripter
}

// Config holds connection settings for the Redis backend.
type Config struct {
	Address   string // host:port, or redis://.../rediss://... URL (required)
	Password  string
	DB        int
	KeyPrefix string // default "kcl"
	TLS       bool
}

// Gateway implements statestore.Gateway backed by Redis.
type Gateway struct {
	log      logger.Logger
	client   RedisClient
	scripter Scripter
	cfg      Config
	keyPrefix string

	createShardRowScript   *goredis.Script
	updateHeartbeatScript  *goredis.Script
	updateCheckpointScript *goredis.Script
}

// New creates a Redis-backed state-store gateway.
func New(cfg Config, log logger.Logger) *Gateway {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Gateway{
		log:       log,
		cfg:       cfg,
		keyPrefix: prefix,

		createShardRowScript:   goredis.NewScript(scriptCreateShardRowSrc),
		updateHeartbeatScript:  goredis.NewScript(scriptUpdateHeartbeatSrc),
		updateCheckpointScript: goredis.NewScript(scriptUpdateCheckpointSrc),
	}
}

// WithRedisClient injects a pre-configured client (for testing).
func (g *Gateway) WithRedisClient(client RedisClient, scripter Scripter) *Gateway {
	g.client = client
	g.scripter = scripter
	return g
}

var _ statestore.Gateway = (*Gateway)(nil)

func (g *Gateway) shardKey(table kcl.TableName, shardId kcl.ShardId) string {
	return fmt.Sprintf("%s:%s:shard:%s", g.keyPrefix, table, shardId)
}

func (g *Gateway) EnsureTable(ctx context.Context, appName kcl.AppName, _, _ int64, suffix string) (kcl.TableName, error) {
	if g.client == nil {
		client, err := createRedisClient(g.cfg)
		if err != nil {
			return "", fmt.Errorf("redis client creation failed: %w", err)
		}
		g.client = client
		g.scripter = client
	}
	if err := g.client.Ping(ctx).Err(); err != nil {
		return "", fmt.Errorf("redis ping failed: %w", err)
	}
	return kcl.TableName(string(appName) + suffix), nil
}

func createRedisClient(cfg Config) (*goredis.Client, error) {
	if strings.HasPrefix(cfg.Address, "redis://") || strings.HasPrefix(cfg.Address, "rediss://") {
		opts, err := goredis.ParseURL(cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL %q: %w", cfg.Address, err)
		}
		if cfg.Password != "" {
			opts.Password = cfg.Password
		}
		if cfg.DB != 0 {
			opts.DB = cfg.DB
		}
		if cfg.TLS && opts.TLSConfig == nil {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		return goredis.NewClient(opts), nil
	}

	opts := &goredis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return goredis.NewClient(opts), nil
}

func (g *Gateway) CreateShardRow(ctx context.Context, table kcl.TableName, workerId kcl.WorkerId, shardId kcl.ShardId, heartbeatTimeout time.Duration) error {
	now := time.Now().UTC()
	staleBefore := now.Add(-heartbeatTimeout).Format(time.RFC3339Nano)

	result, err := g.createShardRowScript.Run(ctx, g.scripter,
		[]string{g.shardKey(table, shardId)},
		string(workerId), now.Format(time.RFC3339Nano), staleBefore,
	).Result()
	if err != nil {
		return fmt.Errorf("createShardRow script error: %w", err)
	}
	return interpretResult(shardId, result)
}

func (g *Gateway) ReadShardStatus(ctx context.Context, table kcl.TableName, shardId kcl.ShardId, workerId kcl.WorkerId, now time.Time, heartbeatTimeout time.Duration) (kcl.ShardStatus, error) {
	data, err := g.client.HGetAll(ctx, g.shardKey(table, shardId)).Result()
	if err != nil {
		return kcl.ShardStatus{}, fmt.Errorf("read shard status %s: %w", shardId, err)
	}
	if len(data) == 0 {
		return kcl.ShardStatus{}, statestore.ErrRowNotFound
	}

	owner := kcl.WorkerId(data["WorkerId"])
	heartbeatStr := data["LastHeartbeat"]
	checkpoint := kcl.SequenceNumber(data["LastCheckpoint"])

	heartbeatAt, perr := time.Parse(time.RFC3339Nano, heartbeatStr)
	fresh := perr == nil && now.Sub(heartbeatAt) < heartbeatTimeout

	status := kcl.ShardStatus{WorkerId: owner, LastCheckpoint: checkpoint}
	switch {
	case checkpoint == "" && owner == workerId:
		status.Kind = kcl.ShardStatusNew
		status.CreatedAt = &heartbeatStr
	case fresh:
		status.Kind = kcl.ShardStatusProcessing
	default:
		status.Kind = kcl.ShardStatusNotProcessing
		status.HeartbeatAt = &heartbeatStr
	}
	return status, nil
}

func (g *Gateway) UpdateHeartbeat(ctx context.Context, table kcl.TableName, workerId kcl.WorkerId, shardId kcl.ShardId, now time.Time) error {
	result, err := g.updateHeartbeatScript.Run(ctx, g.scripter,
		[]string{g.shardKey(table, shardId)},
		string(workerId), now.UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("updateHeartbeat script error: %w", err)
	}
	return interpretResult(shardId, result)
}

func (g *Gateway) UpdateCheckpoint(ctx context.Context, table kcl.TableName, workerId kcl.WorkerId, shardId kcl.ShardId, seq kcl.SequenceNumber, now time.Time) error {
	result, err := g.updateCheckpointScript.Run(ctx, g.scripter,
		[]string{g.shardKey(table, shardId)},
		string(workerId), string(seq), now.UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("updateCheckpoint script error: %w", err)
	}
	return interpretResult(shardId, result)
}

func interpretResult(shardId kcl.ShardId, result interface{}) error {
	resultStr, ok := result.(string)
	if !ok {
		return fmt.Errorf("unexpected script result type: %T", result)
	}
	if strings.HasPrefix(resultStr, "CONDITIONAL_CHECK_FAILED:") {
		reason := strings.TrimPrefix(resultStr, "CONDITIONAL_CHECK_FAILED:")
		return &statestore.ConditionalCheckFailed{ShardId: shardId, Reason: reason}
	}
	if resultStr != "OK" {
		return fmt.Errorf("unexpected script result: %s", resultStr)
	}
	return nil
}
