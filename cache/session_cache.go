package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"AuxParty/model"

	"github.com/go-redis/redis/v8"
)

const (
	sessionSnapshotKey = "party:%s:snapshot"    // String: SessionInfo JSON
	sessionPresenceKey = "party:%s:presence:%d" // String: 参会者心跳 key (code:userID)
	sessionOnlineSet   = "party:%s:online"      // Set: 在线参会者集合
	sessionTTL         = 24 * time.Hour
	presenceTTL        = 60 * time.Second // 心跳过期时间 60秒
)

// SessionCache 会话缓存操作
// 引擎每次广播后写入快照，HTTP 读取走缓存而不打扰会话 actor
type SessionCache struct {
	client *redis.Client
}

// NewSessionCache 创建会话缓存
func NewSessionCache() *SessionCache {
	return &SessionCache{client: RedisClient}
}

// ========== 状态快照 ==========

// SetSnapshot 写入会话状态快照
func (c *SessionCache) SetSnapshot(ctx context.Context, code string, info *model.SessionInfo) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal session snapshot: %w", err)
	}

	key := fmt.Sprintf(sessionSnapshotKey, code)
	return c.client.Set(ctx, key, data, sessionTTL).Err()
}

// GetSnapshot 读取会话状态快照，缓存未命中时返回 (nil, nil)
func (c *SessionCache) GetSnapshot(ctx context.Context, code string) (*model.SessionInfo, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(sessionSnapshotKey, code)
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var info model.SessionInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ========== 在线状态 ==========

// UpdateUserPresence 刷新参会者心跳
func (c *SessionCache) UpdateUserPresence(ctx context.Context, code string, userID int64) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, fmt.Sprintf(sessionPresenceKey, code, userID), time.Now().UnixMilli(), presenceTTL)
	pipe.SAdd(ctx, fmt.Sprintf(sessionOnlineSet, code), userID)
	pipe.Expire(ctx, fmt.Sprintf(sessionOnlineSet, code), sessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveUserPresence 移除参会者在线状态
func (c *SessionCache) RemoveUserPresence(ctx context.Context, code string, userID int64) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, fmt.Sprintf(sessionPresenceKey, code, userID))
	pipe.SRem(ctx, fmt.Sprintf(sessionOnlineSet, code), userID)
	_, err := pipe.Exec(ctx)
	return err
}

// GetOnlineCount 获取在线参会者数量
func (c *SessionCache) GetOnlineCount(ctx context.Context, code string) (int64, error) {
	if c.client == nil {
		return 0, fmt.Errorf("Redis client not initialized")
	}

	return c.client.SCard(ctx, fmt.Sprintf(sessionOnlineSet, code)).Result()
}

// ClearSession 清理会话的全部缓存键（teardown 时调用）
func (c *SessionCache) ClearSession(ctx context.Context, code string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, fmt.Sprintf(sessionSnapshotKey, code))
	pipe.Del(ctx, fmt.Sprintf(sessionOnlineSet, code))
	_, err := pipe.Exec(ctx)
	return err
}
