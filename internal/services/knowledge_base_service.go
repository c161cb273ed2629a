package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	apperrors "github.com/weAIDB/CrackSQL/internal/errors"
	"github.com/weAIDB/CrackSQL/internal/knowledge"
	"github.com/weAIDB/CrackSQL/internal/logger"
	"github.com/weAIDB/CrackSQL/internal/models"
	"go.uber.org/zap"
)

// KnowledgeBaseService 知识库服务
type KnowledgeBaseService struct {
	db          *gorm.DB
	vectorStore knowledge.VectorStore
	indexer     knowledge.KeywordIndexer
	cache       *StatusCache
	validate    *validator.Validate
}

// CreateKnowledgeBaseRequest 创建知识库请求
type CreateKnowledgeBaseRequest struct {
	Name             string `json:"name" validate:"required,min=2,max=50"`
	Description      string `json:"description"`
	EmbeddingModelID uint   `json:"embedding_model_id" validate:"required"`
	VectorDimension  int    `json:"vector_dimension"`
	DatabaseType     string `json:"database_type"`
}

// UpdateKnowledgeBaseRequest 更新知识库请求
type UpdateKnowledgeBaseRequest struct {
	Name         *string `json:"name,omitempty" validate:"omitempty,min=2,max=50"`
	Description  *string `json:"description,omitempty"`
	DatabaseType *string `json:"database_type,omitempty"`
}

// KnowledgeBaseDetail 知识库详情，含各状态条目数
type KnowledgeBaseDetail struct {
	models.KnowledgeBase
	ItemCounts map[string]int64 `json:"item_counts"`
}

// NewKnowledgeBaseService 创建知识库服务
func NewKnowledgeBaseService(db *gorm.DB, vectorStore knowledge.VectorStore, indexer knowledge.KeywordIndexer, cache *StatusCache) *KnowledgeBaseService {
	return &KnowledgeBaseService{
		db:          db,
		vectorStore: vectorStore,
		indexer:     indexer,
		cache:       cache,
		validate:    validator.New(),
	}
}

// List 获取知识库列表，删除中的知识库不可见
func (s *KnowledgeBaseService) List(ctx context.Context, page, limit int, search string) ([]models.KnowledgeBase, int64, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := s.db.WithContext(ctx).Model(&models.KnowledgeBase{}).Where("deleting = ?", false)
	if search != "" {
		query = query.Where("name ILIKE ? OR description ILIKE ?", "%"+search+"%", "%"+search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to count knowledge bases").WithCause(err)
	}

	var kbs []models.KnowledgeBase
	offset := (page - 1) * limit
	if err := query.Order("knowledge_base_id ASC").Offset(offset).Limit(limit).Find(&kbs).Error; err != nil {
		return nil, 0, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to list knowledge bases").WithCause(err)
	}

	return kbs, total, nil
}

// Get 获取知识库详情
func (s *KnowledgeBaseService) Get(ctx context.Context, id uint) (*KnowledgeBaseDetail, error) {
	kb, err := s.getActive(ctx, id)
	if err != nil {
		return nil, err
	}

	counts, err := s.cache.GetStatusCounts(ctx, id)
	if err != nil {
		logger.Warn("统计条目状态失败", zap.Uint("kb_id", id), zap.Error(err))
		counts = map[string]int64{}
	}

	return &KnowledgeBaseDetail{
		KnowledgeBase: *kb,
		ItemCounts:    counts,
	}, nil
}

// Create 创建知识库，重名返回冲突错误
func (s *KnowledgeBaseService) Create(ctx context.Context, req CreateKnowledgeBaseRequest) (*models.KnowledgeBase, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}

	if err := s.checkNameConflict(ctx, req.Name, 0); err != nil {
		return nil, err
	}

	kb := &models.KnowledgeBase{
		Name:             req.Name,
		Description:      req.Description,
		EmbeddingModelID: req.EmbeddingModelID,
		VectorDimension:  req.VectorDimension,
		DatabaseType:     req.DatabaseType,
	}

	if err := s.db.WithContext(ctx).Create(kb).Error; err != nil {
		// 唯一索引兜底并发创建
		return nil, apperrors.NewConflictError(fmt.Sprintf("knowledge base '%s' already exists", req.Name)).WithCause(err)
	}

	logger.Info("知识库已创建",
		zap.Uint("kb_id", kb.KnowledgeBaseID),
		zap.String("name", kb.Name))
	return kb, nil
}

// Update 更新知识库元数据
func (s *KnowledgeBaseService) Update(ctx context.Context, id uint, req UpdateKnowledgeBaseRequest) (*models.KnowledgeBase, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}

	kb, err := s.getActive(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.Name != nil && *req.Name != kb.Name {
		if err := s.checkNameConflict(ctx, *req.Name, id); err != nil {
			return nil, err
		}
		updates["name"] = *req.Name
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.DatabaseType != nil {
		updates["database_type"] = *req.DatabaseType
	}

	if len(updates) == 0 {
		return kb, nil
	}

	if err := s.db.WithContext(ctx).Model(kb).Updates(updates).Error; err != nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to update knowledge base").WithCause(err)
	}

	return s.getActive(ctx, id)
}

// Delete 级联删除知识库：条目行 → 向量命名空间 → 关键词索引 → 注册表行。
// 先打删除标记并递增Generation：列表立即不可见，在途worker的完成结果会被丢弃；
// 中途失败时标记保留，重启后由ResumeDeletes继续清理，不会出现元数据没了而向量还在。
func (s *KnowledgeBaseService) Delete(ctx context.Context, id uint) error {
	var kb models.KnowledgeBase
	if err := s.db.WithContext(ctx).First(&kb, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NewNotFoundError("knowledge base")
		}
		return apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to load knowledge base").WithCause(err)
	}

	if !kb.Deleting {
		err := s.db.WithContext(ctx).Model(&kb).Updates(map[string]interface{}{
			"deleting":   true,
			"generation": gorm.Expr("generation + 1"),
		}).Error
		if err != nil {
			return apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to mark knowledge base for deletion").WithCause(err)
		}
	}

	return s.finishDelete(ctx, id)
}

// ResumeDeletes 完成上次崩溃前未收尾的级联删除，启动时调用
func (s *KnowledgeBaseService) ResumeDeletes(ctx context.Context) {
	var ids []uint
	if err := s.db.WithContext(ctx).
		Model(&models.KnowledgeBase{}).
		Where("deleting = ?", true).
		Pluck("knowledge_base_id", &ids).Error; err != nil {
		logger.Error("扫描待清理知识库失败", zap.Error(err))
		return
	}

	for _, id := range ids {
		if err := s.finishDelete(ctx, id); err != nil {
			logger.Error("恢复级联删除失败", zap.Uint("kb_id", id), zap.Error(err))
		}
	}
}

func (s *KnowledgeBaseService) finishDelete(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).
		Where("knowledge_base_id = ?", id).
		Delete(&models.KnowledgeItem{}).Error; err != nil {
		return apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to delete knowledge items").WithCause(err)
	}

	if err := s.vectorStore.DropNamespace(ctx, id); err != nil {
		return apperrors.NewSystemError(apperrors.ErrCodeOperationFailed, "failed to drop vector namespace").WithCause(err)
	}

	if err := s.indexer.RemoveKnowledgeBase(ctx, id); err != nil {
		logger.Warn("清理关键词索引失败", zap.Uint("kb_id", id), zap.Error(err))
	}

	// 元数据最后删除
	if err := s.db.WithContext(ctx).Delete(&models.KnowledgeBase{}, id).Error; err != nil {
		return apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to delete knowledge base").WithCause(err)
	}

	s.cache.Invalidate(ctx, id)
	logger.Info("知识库已删除", zap.Uint("kb_id", id))
	return nil
}

// getActive 加载未被删除的知识库
func (s *KnowledgeBaseService) getActive(ctx context.Context, id uint) (*models.KnowledgeBase, error) {
	var kb models.KnowledgeBase
	err := s.db.WithContext(ctx).
		Where("knowledge_base_id = ? AND deleting = ?", id, false).
		First(&kb).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("knowledge base")
		}
		return nil, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to load knowledge base").WithCause(err)
	}
	return &kb, nil
}

func (s *KnowledgeBaseService) checkNameConflict(ctx context.Context, name string, excludeID uint) error {
	var count int64
	query := s.db.WithContext(ctx).Model(&models.KnowledgeBase{}).Where("name = ?", name)
	if excludeID > 0 {
		query = query.Where("knowledge_base_id <> ?", excludeID)
	}
	if err := query.Count(&count).Error; err != nil {
		return apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to check name").WithCause(err)
	}
	if count > 0 {
		return apperrors.NewConflictError(fmt.Sprintf("knowledge base '%s' already exists", name))
	}
	return nil
}
