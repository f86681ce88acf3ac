package redis

import "github.com/redis/go-redis/v9"

// Keys of one event, in the order every script receives them:
// ev (hash: subject, created_at, updated_at, seq), rs (zset: recipient by
// insertion seq), st/ls/rsn/up/tp/in/tk (hashes keyed by recipient: status,
// lease_until, reason, updated_at, template_id, intent JSON, lease token).
// The last two keys are the global events and leases sorted sets.
// Times are unix microseconds so they stay exact in Lua numbers.

const touchEvent = `
local ev, rs, st, ls, rsn, up, tp, intents, tokens, events, leases =
	KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6], KEYS[7], KEYS[8], KEYS[9], KEYS[10], KEYS[11]
local eid, subject, now = ARGV[1], ARGV[2], ARGV[3]
if redis.call('EXISTS', ev) == 0 then
	redis.call('HSET', ev, 'subject', subject, 'created_at', now, 'updated_at', now, 'seq', 0)
	redis.call('ZADD', events, now, eid)
else
	redis.call('HSET', ev, 'updated_at', now)
	if subject ~= '' and redis.call('HGET', ev, 'subject') == '' then
		redis.call('HSET', ev, 'subject', subject)
	end
end
local function member(r)
	return string.len(eid) .. ':' .. eid .. r
end
`

// ARGV: event id, subject, now, lease until, then (recipient, template, token,
// intent) groups. Returns one code per group: 0 reserved, 1 in flight, 2 done.
var reserveScript = redis.NewScript(touchEvent + `
local nowNum = tonumber(now)
local leaseUntil = ARGV[4]
local out = {}
for i = 5, #ARGV, 4 do
	local r, tpl, token, intent = ARGV[i], ARGV[i + 1], ARGV[i + 2], ARGV[i + 3]
	local status = redis.call('HGET', st, r)
	local code = 0
	if status == 'delivered' or status == 'failed' then
		code = 2
	elseif status == 'pending' and tonumber(redis.call('HGET', ls, r) or '0') > nowNum then
		code = 1
	end
	if code == 0 then
		if not status then
			redis.call('ZADD', rs, redis.call('HINCRBY', ev, 'seq', 1), r)
		end
		redis.call('HSET', st, r, 'pending')
		redis.call('HSET', ls, r, leaseUntil)
		redis.call('HDEL', rsn, r)
		redis.call('HSET', up, r, now)
		redis.call('HSET', tp, r, tpl)
		redis.call('HSET', intents, r, intent)
		redis.call('HSET', tokens, r, token)
		redis.call('ZADD', leases, leaseUntil, member(r))
	end
	out[#out + 1] = code
end
return out
`)

// ARGV: event id, subject, now.
var processScript = redis.NewScript(touchEvent + `
return 1
`)

// ARGV: event id, subject (unused), now, recipient, status, reason.
// Returns 1 when the state changed, 0 when it was already terminal.
var settleScript = redis.NewScript(touchEvent + `
local r, status, reason = ARGV[4], ARGV[5], ARGV[6]
local cur = redis.call('HGET', st, r)
if cur == 'delivered' or cur == 'failed' then
	return 0
end
if not cur then
	redis.call('ZADD', rs, redis.call('HINCRBY', ev, 'seq', 1), r)
end
redis.call('HSET', st, r, status)
redis.call('HDEL', ls, r)
redis.call('HDEL', tokens, r)
redis.call('HSET', rsn, r, reason)
redis.call('HSET', up, r, now)
redis.call('ZREM', leases, member(r))
return 1
`)

// ARGV: event id, then recipients. Returns the number released.
var releaseScript = redis.NewScript(`
local ev, rs, st, ls, rsn, up, tp, intents, tokens, events, leases =
	KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6], KEYS[7], KEYS[8], KEYS[9], KEYS[10], KEYS[11]
local eid = ARGV[1]
local released = 0
for i = 2, #ARGV do
	local r = ARGV[i]
	if redis.call('HGET', st, r) == 'pending' then
		redis.call('HDEL', st, r)
		redis.call('HDEL', ls, r)
		redis.call('HDEL', rsn, r)
		redis.call('HDEL', up, r)
		redis.call('HDEL', tp, r)
		redis.call('HDEL', intents, r)
		redis.call('HDEL', tokens, r)
		redis.call('ZREM', rs, r)
		redis.call('ZREM', leases, string.len(eid) .. ':' .. eid .. r)
		released = released + 1
	end
end
if released > 0 and redis.call('ZCARD', rs) == 0 then
	redis.call('DEL', ev, rs, st, ls, rsn, up, tp, intents, tokens)
	redis.call('ZREM', events, eid)
end
return released
`)

// KEYS: st, ls, up, tk, leases. ARGV: event id, recipient, token, now, lease until.
// Returns 1 when the record is pending under token and its lease was extended.
var renewScript = redis.NewScript(`
local st, ls, up, tokens, leases = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5]
local eid, r, token, now, leaseUntil = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5]
if redis.call('HGET', st, r) ~= 'pending' or redis.call('HGET', tokens, r) ~= token then
	return 0
end
redis.call('HSET', ls, r, leaseUntil)
redis.call('HSET', up, r, now)
redis.call('ZADD', leases, leaseUntil, string.len(eid) .. ':' .. eid .. r)
return 1
`)

// KEYS: st, ls, up, in, tk, leases. ARGV: event id, recipient, now, new lease
// until, new token. Returns the intent JSON, or nil when the lease is live or
// the recipient settled.
var reclaimScript = redis.NewScript(`
local st, ls, up, intents, tokens, leases = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6]
local eid, r, now, leaseUntil, token = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5]
local member = string.len(eid) .. ':' .. eid .. r
if redis.call('HGET', st, r) ~= 'pending' then
	redis.call('ZREM', leases, member)
	return false
end
if tonumber(redis.call('HGET', ls, r) or '0') > tonumber(now) then
	return false
end
redis.call('HSET', ls, r, leaseUntil)
redis.call('HSET', up, r, now)
redis.call('HSET', tokens, r, token)
redis.call('ZADD', leases, leaseUntil, member)
return redis.call('HGET', intents, r)
`)

// ARGV: event id, cutoff. Returns 1 when the event was removed.
var purgeScript = redis.NewScript(`
local ev, rs, st, ls, rsn, up, tp, intents, tokens, events =
	KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6], KEYS[7], KEYS[8], KEYS[9], KEYS[10]
local eid, cutoff = ARGV[1], tonumber(ARGV[2])
local updated = redis.call('HGET', ev, 'updated_at')
if not updated then
	redis.call('ZREM', events, eid)
	return 0
end
if tonumber(updated) >= cutoff then
	return 0
end
for _, status in ipairs(redis.call('HVALS', st)) do
	if status == 'pending' then
		return 0
	end
end
redis.call('DEL', ev, rs, st, ls, rsn, up, tp, intents, tokens)
redis.call('ZREM', events, eid)
return 1
`)

// KEYS: dead letter hash, index zset. ARGV: member, JSON, created_at.
var deadLetterScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 1 then
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
	return 1
end
return 0
`)
