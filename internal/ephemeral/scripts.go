package ephemeral

import "github.com/redis/go-redis/v9"

// KEYS[1] session key. ARGV: status, data, last_activity ms, ttl ms.
var createSessionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'data', ARGV[2], 'last_activity', ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// KEYS[1] session key. ARGV: expected status, new status, data, ttl ms.
var swapSessionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return -1
end
if cur ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'data', ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// KEYS[1] session key. ARGV: activity ms, ttl ms.
var touchSessionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'last_activity')
if not cur then
  return -1
end
if tonumber(ARGV[1]) > tonumber(cur) then
  redis.call('HSET', KEYS[1], 'last_activity', ARGV[1])
end
if tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// KEYS[1] holder key. ARGV: session id, lo, hi, claimed_at ms, port key prefix.
var claimPortScript = redis.NewScript(`
local held = redis.call('GET', KEYS[1])
if held then
  local key = ARGV[5] .. held
  if redis.call('HGET', key, 'session') == ARGV[1] and redis.call('HGET', key, 'released') == '0' then
    return tonumber(held)
  end
end
for p = tonumber(ARGV[2]), tonumber(ARGV[3]) do
  local key = ARGV[5] .. tostring(p)
  if redis.call('EXISTS', key) == 0 then
    redis.call('HSET', key, 'session', ARGV[1], 'claimed_at', ARGV[4], 'released', '0')
    redis.call('SET', KEYS[1], tostring(p))
    return p
  end
end
return -1
`)

// KEYS[1] holder key. ARGV: session id, grace ms, now ms, port key prefix.
var releasePortScript = redis.NewScript(`
local held = redis.call('GET', KEYS[1])
if not held then
  return -1
end
redis.call('DEL', KEYS[1])
local key = ARGV[4] .. held
if redis.call('HGET', key, 'session') ~= ARGV[1] or redis.call('HGET', key, 'released') ~= '0' then
  return -1
end
local grace = tonumber(ARGV[2])
if grace <= 0 then
  redis.call('DEL', key)
else
  redis.call('HSET', key, 'released', '1', 'expires_at', tostring(tonumber(ARGV[3]) + grace))
  redis.call('PEXPIRE', key, ARGV[2])
end
return tonumber(held)
`)

// KEYS[1] port key. ARGV: port, holder key prefix.
var forceReleasePortScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'session')
redis.call('DEL', KEYS[1])
if owner then
  local holder = ARGV[2] .. owner
  if redis.call('GET', holder) == ARGV[1] then
    redis.call('DEL', holder)
  end
end
return 1
`)
