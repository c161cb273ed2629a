package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/weAIDB/CrackSQL/internal/knowledge"
	"github.com/weAIDB/CrackSQL/internal/logger"
	"github.com/weAIDB/CrackSQL/internal/models"
	"go.uber.org/zap"
)

// JobTracker 条目向量化后台处理器。
// 认领通过条件更新完成：UPDATE pending→processing 只会有一个worker生效，
// 其余并发认领RowsAffected为0直接放弃，同一条目不会被处理两次。
type JobTracker struct {
	db          *gorm.DB
	embedder    knowledge.Embedder
	vectorStore knowledge.VectorStore
	indexer     knowledge.KeywordIndexer
	cache       *StatusCache
	sm          *ItemStateMachine

	poolSize     int
	pollInterval time.Duration
	claimBatch   int

	jobs   chan uint
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobTracker 创建后台处理器
func NewJobTracker(db *gorm.DB, embedder knowledge.Embedder, vectorStore knowledge.VectorStore, indexer knowledge.KeywordIndexer, cache *StatusCache, poolSize, pollIntervalSeconds, claimBatch int) *JobTracker {
	if poolSize <= 0 {
		poolSize = 4
	}
	if pollIntervalSeconds <= 0 {
		pollIntervalSeconds = 3
	}
	if claimBatch <= 0 {
		claimBatch = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &JobTracker{
		db:           db,
		embedder:     embedder,
		vectorStore:  vectorStore,
		indexer:      indexer,
		cache:        cache,
		sm:           NewItemStateMachine(),
		poolSize:     poolSize,
		pollInterval: time.Duration(pollIntervalSeconds) * time.Second,
		claimBatch:   claimBatch,
		jobs:         make(chan uint, claimBatch*2),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start 启动工作池和pending轮询。轮询兜底投递丢失的条目，
// 崩溃遗留的processing条目由recoverStuck回收。
func (t *JobTracker) Start() {
	t.recoverStuck()

	for i := 0; i < t.poolSize; i++ {
		t.wg.Add(1)
		go t.worker()
	}

	t.wg.Add(1)
	go t.pollLoop()

	logger.Info("向量化工作池已启动",
		zap.Int("pool_size", t.poolSize),
		zap.Duration("poll_interval", t.pollInterval))
}

// Stop 停止处理并等待在途任务结束
func (t *JobTracker) Stop() {
	t.cancel()
	t.wg.Wait()
}

// Enqueue 投递一个条目到工作池，队列满时交给轮询兜底
func (t *JobTracker) Enqueue(itemID uint) {
	select {
	case t.jobs <- itemID:
	default:
	}
}

func (t *JobTracker) worker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case itemID := <-t.jobs:
			if err := t.ProcessItem(t.ctx, itemID); err != nil {
				logger.Error("处理条目失败", zap.Uint("item_id", itemID), zap.Error(err))
			}
		}
	}
}

func (t *JobTracker) pollLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			var ids []uint
			err := t.db.WithContext(t.ctx).
				Model(&models.KnowledgeItem{}).
				Where("status = ?", models.ItemStatusPending).
				Order("item_id ASC").
				Limit(t.claimBatch).
				Pluck("item_id", &ids).Error
			if err != nil {
				logger.Error("轮询pending条目失败", zap.Error(err))
				continue
			}
			for _, id := range ids {
				t.Enqueue(id)
			}
		}
	}
}

// recoverStuck 回收崩溃前卡在processing的条目，回到pending重新处理
func (t *JobTracker) recoverStuck() {
	result := t.db.Model(&models.KnowledgeItem{}).
		Where("status = ?", models.ItemStatusProcessing).
		Updates(map[string]interface{}{
			"status":        models.ItemStatusPending,
			"error_message": "",
		})
	if result.Error != nil {
		logger.Error("回收processing条目失败", zap.Error(result.Error))
		return
	}
	if result.RowsAffected > 0 {
		logger.Info("回收卡住的条目", zap.Int64("count", result.RowsAffected))
	}
}

// ProcessItem 处理单个条目：认领 → 嵌入 → 写向量 → 完成。
// 过程中知识库被删除或Generation变化时，写入的向量会被撤销丢弃。
func (t *JobTracker) ProcessItem(ctx context.Context, itemID uint) error {
	claim := t.db.WithContext(ctx).
		Model(&models.KnowledgeItem{}).
		Where("item_id = ? AND status = ?", itemID, models.ItemStatusPending).
		Update("status", models.ItemStatusProcessing)
	if claim.Error != nil {
		return claim.Error
	}
	if claim.RowsAffected == 0 {
		// 已被其他worker认领或状态已变
		claimConflictsTotal.Inc()
		return nil
	}

	var item models.KnowledgeItem
	if err := t.db.WithContext(ctx).First(&item, itemID).Error; err != nil {
		return err
	}

	var kb models.KnowledgeBase
	err := t.db.WithContext(ctx).First(&kb, item.KnowledgeBaseID).Error
	if err != nil || kb.Deleting {
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		// 知识库已删或删除中，条目行随后会被级联清掉
		logger.Debug("放弃删除中知识库的条目", zap.Uint("item_id", itemID))
		return nil
	}
	generation := kb.Generation

	text := knowledge.BuildEmbeddingText(item.Keyword, item.Detail, item.Description)

	start := time.Now()
	embedding, err := t.embedder.Embed(ctx, text)
	embedDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		t.markFailed(ctx, &item, "embedding failed: "+err.Error())
		return nil
	}

	vectorID, err := t.vectorStore.Insert(ctx, knowledge.VectorEntry{
		ItemID:          item.ItemID,
		KnowledgeBaseID: item.KnowledgeBaseID,
		Text:            text,
		Embedding:       embedding,
	})
	if err != nil {
		// 不留半截向量
		if derr := t.vectorStore.DeleteItem(ctx, item.KnowledgeBaseID, item.ItemID); derr != nil {
			logger.Warn("清理失败条目向量失败", zap.Uint("item_id", item.ItemID), zap.Error(derr))
		}
		t.markFailed(ctx, &item, "vector insert failed: "+err.Error())
		return nil
	}

	// 复查Generation：期间发生级联删除则本次结果作废
	var current models.KnowledgeBase
	err = t.db.WithContext(ctx).First(&current, item.KnowledgeBaseID).Error
	if err != nil || current.Deleting || current.Generation != generation {
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if derr := t.vectorStore.DeleteItem(ctx, item.KnowledgeBaseID, item.ItemID); derr != nil {
			logger.Warn("撤销过期向量失败", zap.Uint("item_id", item.ItemID), zap.Error(derr))
		}
		logger.Info("丢弃过期的向量化结果", zap.Uint("item_id", item.ItemID))
		return nil
	}

	complete := t.db.WithContext(ctx).
		Model(&models.KnowledgeItem{}).
		Where("item_id = ? AND status = ?", itemID, models.ItemStatusProcessing).
		Updates(map[string]interface{}{
			"status":        models.ItemStatusCompleted,
			"vector_id":     vectorID,
			"error_message": "",
		})
	if complete.Error != nil {
		return complete.Error
	}
	if complete.RowsAffected == 0 {
		// 状态被并发改动，撤销向量保持"有向量必completed"
		if derr := t.vectorStore.DeleteItem(ctx, item.KnowledgeBaseID, item.ItemID); derr != nil {
			logger.Warn("撤销向量失败", zap.Uint("item_id", item.ItemID), zap.Error(derr))
		}
		return nil
	}

	if t.indexer != nil {
		idxErr := t.indexer.IndexItem(ctx, knowledge.IndexedItem{
			ItemID:          item.ItemID,
			KnowledgeBaseID: item.KnowledgeBaseID,
			Keyword:         item.Keyword,
			Description:     item.Description,
			Detail:          item.Detail,
			SourceFile:      item.SourceFile,
			SplitIndex:      item.SplitIndex,
			CreatedAt:       item.CreateTime,
		})
		if idxErr != nil {
			logger.Warn("写入关键词索引失败", zap.Uint("item_id", item.ItemID), zap.Error(idxErr))
		}
	}

	itemsProcessedTotal.WithLabelValues(models.ItemStatusCompleted).Inc()
	t.cache.SetItemStatus(ctx, item.KnowledgeBaseID, item.ItemID, models.ItemStatusCompleted)
	logger.Debug("条目向量化完成", zap.Uint("item_id", item.ItemID), zap.String("vector_id", vectorID))
	return nil
}

func (t *JobTracker) markFailed(ctx context.Context, item *models.KnowledgeItem, message string) {
	result := t.db.WithContext(ctx).
		Model(&models.KnowledgeItem{}).
		Where("item_id = ? AND status = ?", item.ItemID, models.ItemStatusProcessing).
		Updates(map[string]interface{}{
			"status":        models.ItemStatusFailed,
			"error_message": message,
		})
	if result.Error != nil {
		logger.Error("标记条目失败状态出错", zap.Uint("item_id", item.ItemID), zap.Error(result.Error))
		return
	}

	itemsProcessedTotal.WithLabelValues(models.ItemStatusFailed).Inc()
	t.cache.SetItemStatus(ctx, item.KnowledgeBaseID, item.ItemID, models.ItemStatusFailed)
	logger.Warn("条目向量化失败",
		zap.Uint("item_id", item.ItemID),
		zap.String("reason", message))
}
