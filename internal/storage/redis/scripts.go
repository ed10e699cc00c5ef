package redis

import goredis "github.com/redis/go-redis/v9"

// Scripts derive secondary keys from entry fields, so the store targets a
// single Redis node rather than a Cluster.

// claimScript moves up to limit due entries from a status Sorted Set to SENDING
// and returns their IDs in score order.
//
// KEYS[1] source Sorted Set (global or per tenant)
// ARGV: prefix, source status, limit, now ms, now text, allowed priorities as ",1,2,"
var claimScript = goredis.NewScript(`
local prefix = ARGV[1]
local source = ARGV[2]
local limit = tonumber(ARGV[3])
local nowMs = tonumber(ARGV[4])
local allowed = ARGV[6]
local claimed = {}
local members = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, id in ipairs(members) do
  if #claimed >= limit then break end
  local key = prefix .. 'entry:' .. id
  local f = redis.call('HMGET', key, 'customer_id', 'priority', 'next_attempt_ms', 'score')
  if not f[1] then
    redis.call('ZREM', KEYS[1], id)
  else
    local due = true
    if source == 'RETRY' and f[3] and f[3] ~= '' and tonumber(f[3]) > nowMs then
      due = false
    end
    if due and string.find(allowed, ',' .. f[2] .. ',', 1, true) then
      local tenant = f[1]
      redis.call('ZREM', prefix .. 'status:' .. source, id)
      redis.call('ZREM', prefix .. 'status:' .. source .. ':' .. tenant, id)
      redis.call('ZADD', prefix .. 'status:SENDING', f[4], id)
      redis.call('ZADD', prefix .. 'status:SENDING:' .. tenant, f[4], id)
      redis.call('ZADD', prefix .. 'claimed', nowMs, id)
      redis.call('HSET', key, 'status', 'SENDING', 'claimed_at', ARGV[5])
      table.insert(claimed, id)
    end
  end
end
return claimed
`)

// updateScript sets hash fields and moves the entry between status Sorted Sets.
// Returns 0 if the entry does not exist, -1 if its status differs from the
// expected one, 1 on success.
//
// KEYS[1] entry Hash
// ARGV: prefix, new status or "", expected status or "", field/value pairs...
var updateScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local prefix = ARGV[1]
local newStatus = ARGV[2]
local expected = ARGV[3]
local cur = redis.call('HMGET', KEYS[1], 'id', 'customer_id', 'status', 'score')
local id, tenant, status, score = cur[1], cur[2], cur[3], cur[4]
if expected ~= '' and status ~= expected then
  return -1
end
if #ARGV > 3 then
  redis.call('HSET', KEYS[1], unpack(ARGV, 4))
end
if newStatus ~= '' and newStatus ~= status then
  redis.call('ZREM', prefix .. 'status:' .. status, id)
  redis.call('ZREM', prefix .. 'status:' .. status .. ':' .. tenant, id)
  redis.call('ZADD', prefix .. 'status:' .. newStatus, score, id)
  redis.call('ZADD', prefix .. 'status:' .. newStatus .. ':' .. tenant, score, id)
  redis.call('HSET', KEYS[1], 'status', newStatus)
end
if newStatus ~= '' and newStatus ~= 'SENDING' then
  redis.call('HDEL', KEYS[1], 'claimed_at')
  redis.call('ZREM', prefix .. 'claimed', id)
end
return 1
`)

// hasWorkScript reports whether a tenant has PENDING entries or RETRY entries due at now.
//
// KEYS[1] tenant PENDING Sorted Set, KEYS[2] tenant RETRY Sorted Set
// ARGV: prefix, now ms
var hasWorkScript = goredis.NewScript(`
if redis.call('ZCARD', KEYS[1]) > 0 then
  return 1
end
local nowMs = tonumber(ARGV[2])
local members = redis.call('ZRANGE', KEYS[2], 0, -1)
for _, id in ipairs(members) do
  local key = ARGV[1] .. 'entry:' .. id
  if redis.call('EXISTS', key) == 1 then
    local nextMs = redis.call('HGET', key, 'next_attempt_ms')
    if not nextMs or nextMs == '' or tonumber(nextMs) <= nowMs then
      return 1
    end
  end
end
return 0
`)
