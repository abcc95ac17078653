package signaling

import "github.com/redis/go-redis/v9"

// Results of claimScript.
const (
	claimOK         = "ok"
	claimGlareWon   = "glare_won"
	claimGlareLost  = "glare_lost"
	claimBusy       = "busy"
	claimCallerBusy = "caller_busy"
	statusRinging   = "ringing"
	statusConnected = "connected"
	roleCaller      = "caller"
	roleCallee      = "callee"
)

// claimScript moves the pair to ringing unless either side is in another call.
// When the recipient is already ringing the caller, the lower id keeps the call.
//
// KEYS: state:{caller}, state:{recipient}
// ARGV: caller, recipient, conversation, started_at, ttl seconds
var claimScript = redis.NewScript(`
local c = redis.call('HGET', KEYS[1], 'counterpart')
if c and c ~= ARGV[2] then
  return 'caller_busy'
end
local r = redis.call('HMGET', KEYS[2], 'counterpart', 'status', 'role')
local result = 'ok'
if r[1] then
  if r[1] ~= ARGV[1] then
    return 'busy'
  end
  if r[2] == 'connected' then
    return 'busy'
  end
  if r[2] == 'ringing' and r[3] == 'caller' then
    if tonumber(ARGV[1]) > tonumber(ARGV[2]) then
      return 'glare_lost'
    end
    result = 'glare_won'
  end
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('HSET', KEYS[1], 'counterpart', ARGV[2], 'conversation', ARGV[3], 'status', 'ringing', 'role', 'caller', 'started_at', ARGV[4])
redis.call('HSET', KEYS[2], 'counterpart', ARGV[1], 'conversation', ARGV[3], 'status', 'ringing', 'role', 'callee', 'started_at', ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[5])
redis.call('EXPIRE', KEYS[2], ARGV[5])
return result
`)

// answerScript is a compare-and-set from ringing to connected on both sides.
// Returns 0 when either side no longer points at the other.
//
// KEYS: state:{callee}, state:{caller}
// ARGV: caller, callee, ttl seconds
var answerScript = redis.NewScript(`
local a = redis.call('HMGET', KEYS[1], 'counterpart', 'status', 'role')
local b = redis.call('HMGET', KEYS[2], 'counterpart', 'status', 'role')
if a[1] ~= ARGV[1] or a[2] ~= 'ringing' or a[3] ~= 'callee' then
  return 0
end
if b[1] ~= ARGV[2] or b[2] ~= 'ringing' or b[3] ~= 'caller' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'connected')
redis.call('HSET', KEYS[2], 'status', 'connected')
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])
return 1
`)

// clearScript deletes the pair's states and pending invites, touching only
// entries that point at each other. Returns 1 when a live state existed.
//
// KEYS: state:{a}, state:{b}, pending:{b}, pending:{a}
// ARGV: a, b
var clearScript = redis.NewScript(`
local live = 0
if redis.call('HGET', KEYS[1], 'counterpart') == ARGV[2] then
  redis.call('DEL', KEYS[1])
  live = 1
end
if redis.call('HGET', KEYS[2], 'counterpart') == ARGV[1] then
  redis.call('DEL', KEYS[2])
  live = 1
end
if redis.call('HGET', KEYS[3], 'caller') == ARGV[1] then
  redis.call('DEL', KEYS[3])
end
if redis.call('HGET', KEYS[4], 'caller') == ARGV[2] then
  redis.call('DEL', KEYS[4])
end
return live
`)

// consumeScript reads and deletes a pending invite in one step.
//
// KEYS: pending:{recipient}
var consumeScript = redis.NewScript(`
local v = redis.call('HGETALL', KEYS[1])
if #v > 0 then
  redis.call('DEL', KEYS[1])
end
return v
`)
