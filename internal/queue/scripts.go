package queue

import "github.com/redis/go-redis/v9"

// KEYS: waiting, active, failed, paused. ARGV: lease deadline, now, job key prefix.
// Jobs whose attempt budget is spent are failed instead of leased.
var dequeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 1 then return nil end
while true do
  local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
  if #ids == 0 then return nil end
  local id = ids[1]
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. id
  if redis.call('EXISTS', key) == 1 then
    local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
    local max = tonumber(redis.call('HGET', key, 'max_attempts') or '1')
    if attempts >= max then
      redis.call('HSET', key, 'status', 'failed', 'error', 'attempt budget exhausted', 'finished_at', ARGV[2])
      redis.call('ZADD', KEYS[3], ARGV[2], id)
    else
      redis.call('HINCRBY', key, 'attempts', 1)
      redis.call('HSET', key, 'status', 'active')
      redis.call('ZADD', KEYS[2], ARGV[1], id)
      return id
    end
  end
end
`)

// KEYS: active. ARGV: job id, new deadline.
var heartbeatScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then return 0 end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// KEYS: active, target set, job. ARGV: id, score, status, field, value, finished_at.
var finishScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('HSET', KEYS[3], 'status', ARGV[3], ARGV[4], ARGV[5])
if ARGV[6] ~= '' then redis.call('HSET', KEYS[3], 'finished_at', ARGV[6]) end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS: delayed, waiting, seq. ARGV: now, limit, job key prefix.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. id
  local p = tonumber(redis.call('HGET', key, 'priority') or '0')
  local seq = redis.call('INCR', KEYS[3])
  redis.call('HSET', key, 'status', 'waiting')
  redis.call('ZADD', KEYS[2], string.format('%.0f', p * 1000000000000 + seq), id)
end
return #ids
`)

// KEYS: active, waiting, failed, seq. ARGV: now, limit, job key prefix, max stalls.
// A stall on the last attempt fails the job here so it is reported, never
// requeued into a silent failure at dispatch.
var stalledScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local requeued = {}
local failed = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. id
  local stalls = redis.call('HINCRBY', key, 'stalls', 1)
  local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
  local max = tonumber(redis.call('HGET', key, 'max_attempts') or '1')
  local reason = nil
  if stalls > tonumber(ARGV[4]) then
    reason = 'job stalled repeatedly'
  elseif attempts >= max then
    reason = 'job stalled on its final attempt'
  end
  if reason then
    redis.call('HSET', key, 'status', 'failed', 'error', reason, 'finished_at', ARGV[1])
    redis.call('ZADD', KEYS[3], ARGV[1], id)
    table.insert(failed, id)
  else
    local p = tonumber(redis.call('HGET', key, 'priority') or '0')
    local seq = redis.call('INCR', KEYS[4])
    redis.call('HSET', key, 'status', 'waiting')
    redis.call('ZADD', KEYS[2], string.format('%.0f', p * 1000000000000 + seq), id)
    table.insert(requeued, id)
  end
end
return {requeued, failed}
`)

// KEYS: failed, waiting, seq, job. ARGV: id.
var retryScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
local p = tonumber(redis.call('HGET', KEYS[4], 'priority') or '0')
local seq = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[4], 'status', 'waiting', 'attempts', 0, 'stalls', 0, 'error', '')
redis.call('HDEL', KEYS[4], 'finished_at')
redis.call('ZADD', KEYS[2], string.format('%.0f', p * 1000000000000 + seq), ARGV[1])
return 1
`)
