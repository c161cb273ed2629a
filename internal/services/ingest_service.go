package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	apperrors "github.com/weAIDB/CrackSQL/internal/errors"
	"github.com/weAIDB/CrackSQL/internal/knowledge"
	"github.com/weAIDB/CrackSQL/internal/logger"
	"github.com/weAIDB/CrackSQL/internal/models"
	"github.com/weAIDB/CrackSQL/internal/storage"
	"go.uber.org/zap"
)

// IngestService 批量入库流程：选择文件 → 切分 → 预览编辑 → 入队。
// 单文件的失败不影响同批次其他文件，批次层面只有数量超限整体拒绝。
type IngestService struct {
	db           *gorm.DB
	cache        *StatusCache
	dispatcher   ItemDispatcher
	store        *storage.ObjectStore
	normal       *knowledge.NormalSplitter
	splitGateway knowledge.SplitGateway
	maxFiles     int
	maxFileSize  int64
}

// UploadFile 一份待入库的上传文件
type UploadFile struct {
	Name    string
	Content []byte
}

// FileResult 单文件的校验与切分结果
type FileResult struct {
	FileName   string                `json:"file_name"`
	Accepted   bool                  `json:"accepted"`
	ErrorCode  string                `json:"error_code,omitempty"`
	ErrorMsg   string                `json:"error_message,omitempty"`
	Candidates []knowledge.Candidate `json:"candidates,omitempty"`
}

// UploadResult 一次上传批次的结果
type UploadResult struct {
	UploadID string       `json:"upload_id"`
	Files    []FileResult `json:"files"`
}

// NewIngestService 创建批量入库服务
func NewIngestService(db *gorm.DB, cache *StatusCache, dispatcher ItemDispatcher, store *storage.ObjectStore, normal *knowledge.NormalSplitter, splitGateway knowledge.SplitGateway, maxFiles int, maxFileSize int64) *IngestService {
	if maxFiles <= 0 {
		maxFiles = 15
	}
	if maxFileSize <= 0 {
		maxFileSize = 10 << 20
	}
	return &IngestService{
		db:           db,
		cache:        cache,
		dispatcher:   dispatcher,
		store:        store,
		normal:       normal,
		splitGateway: splitGateway,
		maxFiles:     maxFiles,
		maxFileSize:  maxFileSize,
	}
}

// SelectFiles 校验并解析一批上传文件。数量超限整批拒绝；
// 其余错误逐文件记录，不影响同批次合格文件。
func (s *IngestService) SelectFiles(ctx context.Context, kbID uint, files []UploadFile) (*UploadResult, error) {
	if _, err := s.requireKnowledgeBase(ctx, kbID); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, apperrors.NewInvalidInputError("files", "at least one file is required")
	}
	if len(files) > s.maxFiles {
		return nil, apperrors.NewBusinessError(apperrors.ErrCodeTooManyFiles,
			fmt.Sprintf("upload batch exceeds limit of %d files", s.maxFiles))
	}

	result := &UploadResult{
		UploadID: uuid.NewString(),
		Files:    make([]FileResult, 0, len(files)),
	}

	for _, file := range files {
		fr := FileResult{FileName: file.Name}

		if ext := strings.ToLower(path.Ext(file.Name)); ext != ".json" {
			fr.ErrorCode = string(apperrors.ErrCodeUnsupportedType)
			fr.ErrorMsg = fmt.Sprintf("unsupported file type '%s', only .json is accepted", ext)
			result.Files = append(result.Files, fr)
			continue
		}

		if int64(len(file.Content)) > s.maxFileSize {
			fr.ErrorCode = string(apperrors.ErrCodeFileTooLarge)
			fr.ErrorMsg = fmt.Sprintf("file exceeds size limit of %d bytes", s.maxFileSize)
			result.Files = append(result.Files, fr)
			continue
		}

		// 内容解析不了同样按不支持的类型拒绝，与扩展名不符一致
		records, err := parseRecords(file.Content)
		if err != nil {
			fr.ErrorCode = string(apperrors.ErrCodeUnsupportedType)
			fr.ErrorMsg = err.Error()
			result.Files = append(result.Files, fr)
			continue
		}

		fr.Accepted = true
		fr.Candidates = make([]knowledge.Candidate, 0, len(records))
		for i, rec := range records {
			fr.Candidates = append(fr.Candidates, knowledge.Candidate{
				RawRecord:  rec,
				SourceFile: file.Name,
				SplitIndex: i,
			})
		}
		result.Files = append(result.Files, fr)

		s.archive(ctx, kbID, result.UploadID, file)
	}

	return result, nil
}

// Split 按指定方式切分各文件记录。AI切分的上游故障只拒绝出错的文件，
// 同批次其他文件照常返回切分结果。
func (s *IngestService) Split(ctx context.Context, kbID uint, method string, files []FileResult) (*UploadResult, error) {
	if _, err := s.requireKnowledgeBase(ctx, kbID); err != nil {
		return nil, err
	}

	splitter, err := s.splitterFor(method)
	if err != nil {
		return nil, err
	}

	result := &UploadResult{Files: make([]FileResult, 0, len(files))}
	for _, fr := range files {
		if !fr.Accepted {
			result.Files = append(result.Files, fr)
			continue
		}

		records := make([]knowledge.RawRecord, 0, len(fr.Candidates))
		for _, c := range fr.Candidates {
			records = append(records, c.RawRecord)
		}

		candidates, err := splitter.Split(ctx, records, fr.FileName)
		if err != nil {
			out := FileResult{FileName: fr.FileName}
			out.ErrorCode = string(apperrors.ErrCodeExternalService)
			out.ErrorMsg = err.Error()
			result.Files = append(result.Files, out)
			logger.Warn("文件切分失败",
				zap.String("file", fr.FileName),
				zap.String("method", method),
				zap.Error(err))
			continue
		}

		result.Files = append(result.Files, FileResult{
			FileName:   fr.FileName,
			Accepted:   true,
			Candidates: candidates,
		})
	}

	return result, nil
}

// Enqueue 将预览确认后的候选条目落库为pending并投递处理。
// 整批条目在一个事务内写入，部分成功的批次不存在。
func (s *IngestService) Enqueue(ctx context.Context, kbID uint, candidates []knowledge.Candidate) ([]models.KnowledgeItem, error) {
	if _, err := s.requireKnowledgeBase(ctx, kbID); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, apperrors.NewInvalidInputError("items", "at least one item is required")
	}

	items := make([]models.KnowledgeItem, 0, len(candidates))
	for i, c := range candidates {
		if err := validateItemFields(c.Keyword, c.Detail, c.Description, c.Type, c.SyntaxTree); err != nil {
			return nil, apperrors.NewInvalidInputError(fmt.Sprintf("items[%d]", i), err.Error())
		}
		items = append(items, models.KnowledgeItem{
			KnowledgeBaseID: kbID,
			Keyword:         c.Keyword,
			Type:            c.Type,
			SyntaxTree:      c.SyntaxTree,
			Link:            c.Link,
			Description:     c.Description,
			Example:         c.Example,
			Detail:          c.Detail,
			Status:          models.ItemStatusPending,
			ContentHash:     knowledge.ContentHash(c.Keyword, c.Detail, c.Description),
			SourceFile:      c.SourceFile,
			SplitIndex:      c.SplitIndex,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 事务内复查，避免与级联删除竞争
		var kb models.KnowledgeBase
		if err := tx.Where("knowledge_base_id = ? AND deleting = ?", kbID, false).First(&kb).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.NewNotFoundError("knowledge base")
			}
			return err
		}
		return tx.CreateInBatches(&items, 100).Error
	})
	if err != nil {
		if apperrors.IsAppError(err) {
			return nil, err
		}
		return nil, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to enqueue items").WithCause(err)
	}

	s.cache.Invalidate(ctx, kbID)
	for _, item := range items {
		if s.dispatcher != nil {
			if derr := s.dispatcher.Dispatch(ctx, kbID, item.ItemID); derr != nil {
				logger.Error("投递条目失败，等待轮询兜底", zap.Uint("item_id", item.ItemID), zap.Error(derr))
			}
		}
	}

	logger.Info("条目已入队", zap.Uint("kb_id", kbID), zap.Int("count", len(items)))
	return items, nil
}

func (s *IngestService) splitterFor(method string) (knowledge.Splitter, error) {
	switch method {
	case "", knowledge.SplitMethodNormal:
		return s.normal, nil
	case knowledge.SplitMethodAI:
		if s.splitGateway == nil || !s.splitGateway.Ready() {
			return nil, apperrors.NewBusinessError(apperrors.ErrCodeExternalService, "llm split gateway is not configured")
		}
		return knowledge.NewAISplitter(s.splitGateway), nil
	default:
		return nil, apperrors.NewInvalidInputError("split_method", fmt.Sprintf("unknown split method '%s'", method))
	}
}

// archive 归档上传原件，失败不影响入库流程
func (s *IngestService) archive(ctx context.Context, kbID uint, uploadID string, file UploadFile) {
	if s.store == nil {
		return
	}
	objectName := fmt.Sprintf("kb/%d/%s/%s", kbID, uploadID, file.Name)
	if err := s.store.ArchiveUpload(ctx, objectName, file.Content, "application/json"); err != nil {
		logger.Warn("归档上传文件失败", zap.String("object", objectName), zap.Error(err))
	}
}

func (s *IngestService) requireKnowledgeBase(ctx context.Context, kbID uint) (*models.KnowledgeBase, error) {
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

// parseRecords 解析JSON数组文件内容
func parseRecords(content []byte) ([]knowledge.RawRecord, error) {
	var records []knowledge.RawRecord
	if err := json.Unmarshal(content, &records); err != nil {
		return nil, fmt.Errorf("file is not a valid JSON array of records: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("file contains no records")
	}
	return records, nil
}
