package redisstate

import "github.com/go-redis/redis/v8"

// 所有会改变房间的操作都在一个脚本里完成，保证单个成员字段的原子性，
// 以及"最后一个成员离开即删除房间"和"比赛只开始一次"这两个不变量。
// 成员和消息 key 的 TTL 与房间 key 对齐。

// createRoomScript KEYS: room  ARGV: code, creator_id, settings, created_at, ttl_ms
var createRoomScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'code', ARGV[1],
	'creator_id', ARGV[2],
	'settings', ARGV[3],
	'race_state', 'lobby',
	'race_start_time', '',
	'words', '[]',
	'created_at', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// addMemberScript KEYS: room, members, member, user_room
// ARGV: user_id, username, joined_at, is_host, session_id, code, index_ttl_ms
var addMemberScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('DEL', KEYS[3])
redis.call('HSET', KEYS[3],
	'id', ARGV[1],
	'username', ARGV[2],
	'joined_at', ARGV[3],
	'is_host', ARGV[4],
	'progress', '0',
	'wpm', '0',
	'accuracy', '0',
	'ready', '0',
	'session_id', ARGV[5])
redis.call('SADD', KEYS[2], ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[2], ttl)
	redis.call('PEXPIRE', KEYS[3], ttl)
end
redis.call('SET', KEYS[4], ARGV[6], 'PX', ARGV[7])
return 1
`)

// removeMemberScript KEYS: room, members, member, user_room, messages
// ARGV: user_id, session_id ('' 表示不校验), code
// 返回 {status, username}: 0 未移除, 1 已移除, 2 已移除且房间已删除
var removeMemberScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 0 then
	return {0, ''}
end
if ARGV[2] ~= '' then
	local owner = redis.call('HGET', KEYS[3], 'session_id')
	if owner and owner ~= ARGV[2] then
		return {0, ''}
	end
end
local username = redis.call('HGET', KEYS[3], 'username') or ''
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
if redis.call('GET', KEYS[4]) == ARGV[3] then
	redis.call('DEL', KEYS[4])
end
if redis.call('SCARD', KEYS[2]) == 0 then
	redis.call('DEL', KEYS[1], KEYS[2], KEYS[5])
	return {2, username}
end
return {1, username}
`)

// updateProgressScript KEYS: members, member  ARGV: user_id, progress, wpm, accuracy
var updateProgressScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[2], 'progress', ARGV[2], 'wpm', ARGV[3], 'accuracy', ARGV[4])
return 1
`)

// toggleReadyScript KEYS: room, members, member  ARGV: user_id
// 返回 -1 非成员, -2 不在大厅阶段, 否则返回新的 ready 值 (0/1)
var toggleReadyScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'race_state') ~= 'lobby' then
	return -2
end
local flag = 1
if redis.call('HGET', KEYS[3], 'ready') == '1' then
	flag = 0
end
redis.call('HSET', KEYS[3], 'ready', tostring(flag))
return flag
`)

// appendMessageScript KEYS: room, messages  ARGV: message_json, limit
var appendMessageScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('LTRIM', KEYS[2], -tonumber(ARGV[2]), -1)
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

// startRaceScript KEYS: room  ARGV: start_time, words_json
// 返回 -1 房间不存在, 0 已经开始, 1 本次完成迁移
var startRaceScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'race_state')
if not state then
	return -1
end
if state ~= 'lobby' then
	return 0
end
redis.call('HSET', KEYS[1], 'race_state', 'racing', 'race_start_time', ARGV[1], 'words', ARGV[2])
return 1
`)

// deleteIfEmptyScript KEYS: room, members, messages
var deleteIfEmptyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if redis.call('SCARD', KEYS[2]) > 0 then
	return 0
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
return 1
`)
