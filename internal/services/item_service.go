package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	apperrors "github.com/weAIDB/CrackSQL/internal/errors"
	"github.com/weAIDB/CrackSQL/internal/knowledge"
	"github.com/weAIDB/CrackSQL/internal/logger"
	"github.com/weAIDB/CrackSQL/internal/models"
	"go.uber.org/zap"
)

// ItemDispatcher 将待处理条目投递给向量化管道（Kafka或进程内兜底）
type ItemDispatcher interface {
	Dispatch(ctx context.Context, kbID, itemID uint) error
}

// ItemService 知识条目服务
type ItemService struct {
	db          *gorm.DB
	vectorStore knowledge.VectorStore
	indexer     knowledge.KeywordIndexer
	cache       *StatusCache
	dispatcher  ItemDispatcher
	sm          *ItemStateMachine
}

// AddItemRequest 手工录入条目请求
type AddItemRequest struct {
	Keyword     string `json:"keyword"`
	Type        string `json:"type"`
	SyntaxTree  string `json:"tree"`
	Link        string `json:"link"`
	Description string `json:"description"`
	Example     string `json:"example"`
	Detail      string `json:"detail"`
}

// UpdateItemRequest 编辑条目请求，nil字段不修改
type UpdateItemRequest struct {
	Keyword     *string `json:"keyword,omitempty"`
	Type        *string `json:"type,omitempty"`
	SyntaxTree  *string `json:"tree,omitempty"`
	Link        *string `json:"link,omitempty"`
	Description *string `json:"description,omitempty"`
	Example     *string `json:"example,omitempty"`
	Detail      *string `json:"detail,omitempty"`
}

// NewItemService 创建条目服务
func NewItemService(db *gorm.DB, vectorStore knowledge.VectorStore, indexer knowledge.KeywordIndexer, cache *StatusCache, dispatcher ItemDispatcher) *ItemService {
	return &ItemService{
		db:          db,
		vectorStore: vectorStore,
		indexer:     indexer,
		cache:       cache,
		dispatcher:  dispatcher,
		sm:          NewItemStateMachine(),
	}
}

// ListItems 分页查询知识库条目，可按状态过滤、按关键词模糊搜索
func (s *ItemService) ListItems(ctx context.Context, kbID uint, page, limit int, status, search string) ([]models.KnowledgeItem, int64, error) {
	if _, err := s.requireKnowledgeBase(ctx, kbID); err != nil {
		return nil, 0, err
	}

	if page <= 0 {
		page = 1
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	query := s.db.WithContext(ctx).Model(&models.KnowledgeItem{}).Where("knowledge_base_id = ?", kbID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if search != "" {
		query = query.Where("keyword ILIKE ?", "%"+search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to count items").WithCause(err)
	}

	var items []models.KnowledgeItem
	offset := (page - 1) * limit
	if err := query.Order("item_id ASC").Offset(offset).Limit(limit).Find(&items).Error; err != nil {
		return nil, 0, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to list items").WithCause(err)
	}

	return items, total, nil
}

// GetItem 获取单条目
func (s *ItemService) GetItem(ctx context.Context, itemID uint) (*models.KnowledgeItem, error) {
	var item models.KnowledgeItem
	if err := s.db.WithContext(ctx).First(&item, itemID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("knowledge item")
		}
		return nil, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to load item").WithCause(err)
	}
	return &item, nil
}

// AddItems 手工批量录入条目，整批在一个事务内落库后再逐条投递
func (s *ItemService) AddItems(ctx context.Context, kbID uint, reqs []AddItemRequest) ([]models.KnowledgeItem, error) {
	if _, err := s.requireKnowledgeBase(ctx, kbID); err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, apperrors.NewInvalidInputError("items", "at least one item is required")
	}

	items := make([]models.KnowledgeItem, 0, len(reqs))
	for i, req := range reqs {
		if err := validateItemFields(req.Keyword, req.Detail, req.Description, req.Type, req.SyntaxTree); err != nil {
			return nil, apperrors.NewInvalidInputError(fmt.Sprintf("items[%d]", i), err.Error())
		}
		items = append(items, models.KnowledgeItem{
			KnowledgeBaseID: kbID,
			Keyword:         req.Keyword,
			Type:            req.Type,
			SyntaxTree:      req.SyntaxTree,
			Link:            req.Link,
			Description:     req.Description,
			Example:         req.Example,
			Detail:          req.Detail,
			Status:          models.ItemStatusPending,
			ContentHash:     knowledge.ContentHash(req.Keyword, req.Detail, req.Description),
		})
	}

	if err := s.db.WithContext(ctx).CreateInBatches(&items, 100).Error; err != nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to create items").WithCause(err)
	}

	s.cache.Invalidate(ctx, kbID)
	for _, item := range items {
		s.dispatch(ctx, kbID, item.ItemID)
	}

	return items, nil
}

// UpdateItem 编辑条目。参与向量化的内容变化时重置为pending并重新向量化，
// 仅元数据（link/example等）变化时不触发重算。
func (s *ItemService) UpdateItem(ctx context.Context, itemID uint, req UpdateItemRequest) (*models.KnowledgeItem, error) {
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	applyString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	applyString(&item.Keyword, req.Keyword)
	applyString(&item.Type, req.Type)
	applyString(&item.SyntaxTree, req.SyntaxTree)
	applyString(&item.Link, req.Link)
	applyString(&item.Description, req.Description)
	applyString(&item.Example, req.Example)
	applyString(&item.Detail, req.Detail)

	if err := validateItemFields(item.Keyword, item.Detail, item.Description, item.Type, item.SyntaxTree); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}

	newHash := knowledge.ContentHash(item.Keyword, item.Detail, item.Description)
	reembed := newHash != item.ContentHash

	updates := map[string]interface{}{
		"keyword":     item.Keyword,
		"type":        item.Type,
		"syntax_tree": item.SyntaxTree,
		"link":        item.Link,
		"description": item.Description,
		"example":     item.Example,
		"detail":      item.Detail,
	}
	if reembed {
		updates["content_hash"] = newHash
		updates["status"] = models.ItemStatusPending
		updates["error_message"] = ""
		updates["vector_id"] = ""
	}

	if err := s.db.WithContext(ctx).Model(&models.KnowledgeItem{}).
		Where("item_id = ?", itemID).
		Updates(updates).Error; err != nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to update item").WithCause(err)
	}

	if reembed {
		// 旧向量先删，避免新旧并存被检索到
		if err := s.vectorStore.DeleteItem(ctx, item.KnowledgeBaseID, itemID); err != nil {
			logger.Warn("删除旧向量失败", zap.Uint("item_id", itemID), zap.Error(err))
		}
		s.cache.SetItemStatus(ctx, item.KnowledgeBaseID, itemID, models.ItemStatusPending)
		s.dispatch(ctx, item.KnowledgeBaseID, itemID)
	}

	return s.GetItem(ctx, itemID)
}

// DeleteItems 批量删除条目：先删数据库行，再删向量，最后清关键词索引。
// 行先删保证失败时completed条目的向量还在；行删掉后残留的孤儿向量
// 检索阶段会跳过，向量删除失败只告警。
func (s *ItemService) DeleteItems(ctx context.Context, kbID uint, itemIDs []uint) error {
	if len(itemIDs) == 0 {
		return apperrors.NewInvalidInputError("item_ids", "at least one item id is required")
	}

	var items []models.KnowledgeItem
	if err := s.db.WithContext(ctx).
		Where("knowledge_base_id = ? AND item_id IN ?", kbID, itemIDs).
		Find(&items).Error; err != nil {
		return apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to load items").WithCause(err)
	}
	if len(items) == 0 {
		return apperrors.NewNotFoundError("knowledge item")
	}

	ids := make([]uint, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ItemID)
	}
	if err := s.db.WithContext(ctx).
		Where("knowledge_base_id = ? AND item_id IN ?", kbID, ids).
		Delete(&models.KnowledgeItem{}).Error; err != nil {
		return apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to delete items").WithCause(err)
	}

	for _, item := range items {
		if err := s.vectorStore.DeleteItem(ctx, kbID, item.ItemID); err != nil {
			logger.Warn("删除条目向量失败", zap.Uint("item_id", item.ItemID), zap.Error(err))
		}
	}

	for _, id := range ids {
		if err := s.indexer.RemoveItem(ctx, kbID, id); err != nil {
			logger.Warn("清理条目关键词索引失败", zap.Uint("item_id", id), zap.Error(err))
		}
	}

	s.cache.Invalidate(ctx, kbID)
	logger.Info("条目已删除", zap.Uint("kb_id", kbID), zap.Int("count", len(ids)))
	return nil
}

// RetryItem 重试失败条目：清空错误信息、回到pending并重新投递
func (s *ItemService) RetryItem(ctx context.Context, itemID uint) (*models.KnowledgeItem, error) {
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	if !s.sm.CanRetry(item.Status) {
		return nil, apperrors.NewBusinessError(apperrors.ErrCodeInvalidState,
			fmt.Sprintf("item in status '%s' cannot be retried", item.Status))
	}

	result := s.db.WithContext(ctx).Model(&models.KnowledgeItem{}).
		Where("item_id = ? AND status IN ?", itemID, []string{models.ItemStatusFailed, models.ItemStatusError}).
		Updates(map[string]interface{}{
			"status":        models.ItemStatusPending,
			"error_message": "",
		})
	if result.Error != nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to reset item").WithCause(result.Error)
	}
	if result.RowsAffected == 0 {
		// 状态被并发修改，按当前状态报冲突
		return nil, apperrors.NewConflictError("item status changed concurrently")
	}

	s.cache.SetItemStatus(ctx, item.KnowledgeBaseID, itemID, models.ItemStatusPending)
	s.dispatch(ctx, item.KnowledgeBaseID, itemID)
	return s.GetItem(ctx, itemID)
}

func (s *ItemService) dispatch(ctx context.Context, kbID, itemID uint) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(ctx, kbID, itemID); err != nil {
		logger.Error("投递条目失败，等待轮询兜底",
			zap.Uint("item_id", itemID),
			zap.Error(err))
	}
}

func (s *ItemService) requireKnowledgeBase(ctx context.Context, kbID uint) (*models.KnowledgeBase, error) {
	var kb models.KnowledgeBase
	err := s.db.WithContext(ctx).
		Where("knowledge_base_id = ? AND deleting = ?", kbID, false).
		First(&kb).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("knowledge base")
		}
		return nil, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to load knowledge base").WithCause(err)
	}
	return &kb, nil
}

// validateItemFields 校验向量化必需字段
func validateItemFields(keyword, detail, description, itemType, tree string) error {
	missing := make([]string, 0, 5)
	if strings.TrimSpace(keyword) == "" {
		missing = append(missing, "keyword")
	}
	if strings.TrimSpace(detail) == "" {
		missing = append(missing, "detail")
	}
	if strings.TrimSpace(description) == "" {
		missing = append(missing, "description")
	}
	if strings.TrimSpace(itemType) == "" {
		missing = append(missing, "type")
	}
	if strings.TrimSpace(tree) == "" {
		missing = append(missing, "tree")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
