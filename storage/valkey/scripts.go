package valkey

// luaConsumeRefreshToken atomically resolves the refresh-token index,
// deletes the token row and both index keys, and returns the row JSON.
// Only ONE concurrent redemption of a refresh token can succeed.
//
// KEYS[1] refresh-token index key
// ARGV[1] token row key prefix for the tenant
// ARGV[2] access-token index key prefix for the tenant
const luaConsumeRefreshToken = `
local id = redis.call('GET', KEYS[1])
if not id then
    return 'NOT_FOUND'
end

local rowKey = ARGV[1] .. id
local data = redis.call('GET', rowKey)
if not data then
    redis.call('DEL', KEYS[1])
    return 'NOT_FOUND'
end

local row = cjson.decode(data)
redis.call('DEL', rowKey, KEYS[1])
if row.AccessToken and row.AccessToken ~= '' then
    redis.call('DEL', ARGV[2] .. row.AccessToken)
end

return data
`

// luaCibaUpdateStatus conditionally transitions a backchannel grant.
// The transition applies only when the stored status equals ARGV[1];
// concurrent conflicting transitions have exactly one winner.
//
// KEYS[1] grant key
// ARGV[1] expected status
// ARGV[2] new status
// ARGV[3] authorization JSON, empty to leave unchanged
const luaCibaUpdateStatus = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local g = cjson.decode(data)
if g.Status ~= ARGV[1] then
    return 'CONFLICT'
end

g.Status = ARGV[2]
if ARGV[3] ~= '' then
    g.Authorization = cjson.decode(ARGV[3])
end

redis.call('SET', KEYS[1], cjson.encode(g), 'KEEPTTL')
return 'OK'
`

// luaCibaUpdatePollTime records the last poll timestamp in place.
//
// KEYS[1] grant key
// ARGV[1] poll timestamp, RFC 3339
const luaCibaUpdatePollTime = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local g = cjson.decode(data)
g.LastPolledAt = ARGV[1]
redis.call('SET', KEYS[1], cjson.encode(g), 'KEEPTTL')
return 'OK'
`

// luaCibaConsumeAuthorized atomically moves an AUTHORIZED grant to
// CONSUMED and returns the pre-transition JSON. Only ONE concurrent
// redemption can succeed.
//
// KEYS[1] grant key
const luaCibaConsumeAuthorized = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local g = cjson.decode(data)
if g.Status ~= 'AUTHORIZED' then
    return 'CONFLICT'
end

g.Status = 'CONSUMED'
redis.call('SET', KEYS[1], cjson.encode(g), 'KEEPTTL')
return data
`
