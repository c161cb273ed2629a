package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weAIDB/CrackSQL/internal/logger"
	"github.com/weAIDB/CrackSQL/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StatusCache 条目处理进度缓存，支撑客户端轮询。
// Redis不可用时退化为直接查库，缓存只是加速层，数据库才是事实来源。
type StatusCache struct {
	client *redis.Client
	db     *gorm.DB
	ttl    time.Duration
}

// NewStatusCache 创建状态缓存
func NewStatusCache(client *redis.Client, db *gorm.DB, ttlSeconds int) *StatusCache {
	if ttlSeconds <= 0 {
		ttlSeconds = 300
	}
	return &StatusCache{
		client: client,
		db:     db,
		ttl:    time.Duration(ttlSeconds) * time.Second,
	}
}

func (c *StatusCache) countsKey(kbID uint) string {
	return fmt.Sprintf("knowledge:kb:%d:status_counts", kbID)
}

func (c *StatusCache) itemKey(itemID uint) string {
	return fmt.Sprintf("knowledge:item:%d:status", itemID)
}

// SetItemStatus 记录单条目状态，失败仅告警不影响主流程
func (c *StatusCache) SetItemStatus(ctx context.Context, kbID, itemID uint, status string) {
	if c.client == nil {
		return
	}
	if err := c.client.Set(ctx, c.itemKey(itemID), status, c.ttl).Err(); err != nil {
		logger.Warn("写入条目状态缓存失败", zap.Uint("item_id", itemID), zap.Error(err))
	}
	// 计数缓存直接失效，下次轮询时从库重建
	if err := c.client.Del(ctx, c.countsKey(kbID)).Err(); err != nil {
		logger.Warn("失效状态计数缓存失败", zap.Uint("kb_id", kbID), zap.Error(err))
	}
}

// GetStatusCounts 返回知识库各状态条目数
func (c *StatusCache) GetStatusCounts(ctx context.Context, kbID uint) (map[string]int64, error) {
	if c.client != nil {
		cached, err := c.client.HGetAll(ctx, c.countsKey(kbID)).Result()
		if err == nil && len(cached) > 0 {
			counts := make(map[string]int64, len(cached))
			for status, raw := range cached {
				var n int64
				if _, err := fmt.Sscanf(raw, "%d", &n); err == nil {
					counts[status] = n
				}
			}
			return counts, nil
		}
	}

	counts, err := c.loadCountsFromDB(ctx, kbID)
	if err != nil {
		return nil, err
	}

	if c.client != nil && len(counts) > 0 {
		fields := make(map[string]interface{}, len(counts))
		for status, n := range counts {
			fields[status] = n
		}
		pipe := c.client.Pipeline()
		pipe.HSet(ctx, c.countsKey(kbID), fields)
		pipe.Expire(ctx, c.countsKey(kbID), c.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			logger.Warn("回填状态计数缓存失败", zap.Uint("kb_id", kbID), zap.Error(err))
		}
	}

	return counts, nil
}

// Invalidate 清理知识库相关缓存（删除知识库、批量写入后调用）
func (c *StatusCache) Invalidate(ctx context.Context, kbID uint) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, c.countsKey(kbID)).Err(); err != nil {
		logger.Warn("清理状态缓存失败", zap.Uint("kb_id", kbID), zap.Error(err))
	}
}

func (c *StatusCache) loadCountsFromDB(ctx context.Context, kbID uint) (map[string]int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}
	var rows []statusCount
	err := c.db.WithContext(ctx).
		Model(&models.KnowledgeItem{}).
		Select("status, count(*) as count").
		Where("knowledge_base_id = ?", kbID).
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
