package redisstore

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
)

// mockRedisClient implements RedisClient for unit testing: a tiny in-memory
// hash store instead of a generated mock.
type mockRedisClient struct {
	data    map[string]map[string]string
	pingErr error
}

func newMockRedisClient() *mockRedisClient {
	return &mockRedisClient{data: make(map[string]map[string]string)}
}

func (m *mockRedisClient) Ping(_ context.Context) *goredis.StatusCmd {
	cmd := goredis.NewStatusCmd(context.Background())
	if m.pingErr != nil {
		cmd.SetErr(m.pingErr)
	} else {
		cmd.SetVal("PONG")
	}
	return cmd
}

func (m *mockRedisClient) HGetAll(_ context.Context, key string) *goredis.MapStringStringCmd {
	cmd := goredis.NewMapStringStringCmd(context.Background())
	if hash, ok := m.data[key]; ok {
		result := make(map[string]string, len(hash))
		for k, v := range hash {
			result[k] = v
		}
		cmd.SetVal(result)
	} else {
		cmd.SetVal(map[string]string{})
	}
	return cmd
}

func (m *mockRedisClient) Close() error { return nil }

// mockScripter stands in for Redis script execution: since we don't have a
// Redis server in unit tests, it recognizes each of the three scripts by
// hash and applies a Go re-implementation of that script's conditional
// logic to mockRedisClient's data. The Lua source itself is not executed.
type mockScripter struct {
	client *mockRedisClient
}

func (s *mockScripter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *goredis.Cmd {
	return s.run(script, keys, args)
}

func (s *mockScripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *goredis.Cmd {
	return s.run(sha1, keys, args)
}

func (s *mockScripter) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *goredis.Cmd {
	return s.run(script, keys, args)
}

func (s *mockScripter) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *goredis.Cmd {
	return s.run(sha1, keys, args)
}

func (s *mockScripter) ScriptExists(_ context.Context, _ ...string) *goredis.BoolSliceCmd {
	cmd := goredis.NewBoolSliceCmd(context.Background())
	cmd.SetVal([]bool{true})
	return cmd
}

func (s *mockScripter) ScriptLoad(_ context.Context, _ string) *goredis.StringCmd {
	cmd := goredis.NewStringCmd(context.Background())
	cmd.SetVal("OK")
	return cmd
}

// run dispatches by script identity hash rather than interpreting Lua: each
// script constant in this package has a stable Hash(), so we match on that.
func (s *mockScripter) run(shaOrScript string, keys []string, args []interface{}) *goredis.Cmd {
	cmd := goredis.NewCmd(context.Background())
	key := keys[0]
	workerId, _ := args[0].(string)

	if s.client.data[key] == nil {
		s.client.data[key] = map[string]string{}
	}
	row := s.client.data[key]

	switch shaOrScript {
	case goredis.NewScript(scriptCreateShardRowSrc).Hash():
		now, _ := args[1].(string)
		staleBefore, _ := args[2].(string)
		if _, exists := row["WorkerId"]; !exists {
			row["WorkerId"] = workerId
			row["LastHeartbeat"] = now
			cmd.SetVal("OK")
			return cmd
		}
		if row["LastHeartbeat"] != "" && row["LastHeartbeat"] < staleBefore {
			row["WorkerId"] = workerId
			row["LastHeartbeat"] = now
			cmd.SetVal("OK")
			return cmd
		}
		cmd.SetVal("CONDITIONAL_CHECK_FAILED:row already owned by a live worker")
		return cmd
	case goredis.NewScript(scriptUpdateHeartbeatSrc).Hash():
		now, _ := args[1].(string)
		if row["WorkerId"] != workerId {
			cmd.SetVal("CONDITIONAL_CHECK_FAILED:no longer the owner")
			return cmd
		}
		row["LastHeartbeat"] = now
		cmd.SetVal("OK")
		return cmd
	case goredis.NewScript(scriptUpdateCheckpointSrc).Hash():
		seq, _ := args[1].(string)
		now, _ := args[2].(string)
		if row["WorkerId"] != workerId {
			cmd.SetVal("CONDITIONAL_CHECK_FAILED:no longer the owner")
			return cmd
		}
		row["LastCheckpoint"] = seq
		row["LastHeartbeat"] = now
		cmd.SetVal("OK")
		return cmd
	}

	cmd.SetVal("OK")
	return cmd
}
