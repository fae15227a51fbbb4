package redisstore

// scriptCreateShardRowSrc atomically creates a shard's row, or takes it over if
// its heartbeat has gone stale: conditional on row-does-not-exist OR the
// row's LastHeartbeat being older than the configured heartbeat timeout.
//
// KEYS[1] = shard hash key
//
// ARGV[1] = workerId (the caller claiming the row)
// ARGV[2] = nowUTC (RFC3339Nano)
// ARGV[3] = staleBefore (RFC3339Nano; a LastHeartbeat older than this is stale)
const scriptCreateShardRowSrc = `
local workerId    = ARGV[1]
local now          = ARGV[2]
local staleBefore  = ARGV[3]

local exists = redis.call('EXISTS', KEYS[1])
if exists == 0 then
  redis.call('HSET', KEYS[1], 'WorkerId', workerId, 'LastHeartbeat', now)
  return 'OK'
end

local heartbeat = redis.call('HGET', KEYS[1], 'LastHeartbeat')
if heartbeat and heartbeat ~= '' and heartbeat < staleBefore then
  redis.call('HSET', KEYS[1], 'WorkerId', workerId, 'LastHeartbeat', now)
  return 'OK'
end

return 'CONDITIONAL_CHECK_FAILED:row already owned by a live worker'
`

// scriptUpdateHeartbeatSrc atomically refreshes a row's heartbeat, conditional
// on the caller being the current owner.
//
// KEYS[1] = shard hash key
//
// ARGV[1] = workerId
// ARGV[2] = nowUTC (RFC3339Nano)
const scriptUpdateHeartbeatSrc = `
local workerId = ARGV[1]
local now       = ARGV[2]

local current = redis.call('HGET', KEYS[1], 'WorkerId')
if current ~= workerId then
  return 'CONDITIONAL_CHECK_FAILED:no longer the owner'
end

redis.call('HSET', KEYS[1], 'LastHeartbeat', now)
return 'OK'
`

// scriptUpdateCheckpointSrc atomically persists a checkpoint and refreshes the
// heartbeat, conditional on the caller being the current owner.
//
// KEYS[1] = shard hash key
//
// ARGV[1] = workerId
// ARGV[2] = sequence number
// ARGV[3] = nowUTC (RFC3339Nano)
const scriptUpdateCheckpointSrc = `
local workerId = ARGV[1]
local seq       = ARGV[2]
local now       = ARGV[3]

local current = redis.call('HGET', KEYS[1], 'WorkerId')
if current ~= workerId then
  return 'CONDITIONAL_CHECK_FAILED:no longer the owner'
end

redis.call('HSET', KEYS[1], 'LastCheckpoint', seq, 'LastHeartbeat', now)
return 'OK'
`
