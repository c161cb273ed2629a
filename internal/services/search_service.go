package services

import (
	"context"
	"errors"
	"sort"
	"strings"

	"gorm.io/gorm"

	apperrors "github.com/weAIDB/CrackSQL/internal/errors"
	"github.com/weAIDB/CrackSQL/internal/knowledge"
	"github.com/weAIDB/CrackSQL/internal/logger"
	"github.com/weAIDB/CrackSQL/internal/models"
	"go.uber.org/zap"
)

// SearchService 相似度检索服务
type SearchService struct {
	db          *gorm.DB
	embedder    knowledge.Embedder
	vectorStore knowledge.VectorStore
	indexer     knowledge.KeywordIndexer
	defaultTopK int
}

// SearchRequest 检索请求
type SearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// SearchResult 单条检索结果，分数为0到100的相似度评分
type SearchResult struct {
	ItemID      uint    `json:"item_id"`
	Keyword     string  `json:"keyword"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Detail      string  `json:"detail"`
	Example     string  `json:"example"`
	Link        string  `json:"link"`
	SourceFile  string  `json:"source_file,omitempty"`
	SplitIndex  int     `json:"split_index"`
	Score       float64 `json:"score"`
}

// NewSearchService 创建检索服务
func NewSearchService(db *gorm.DB, embedder knowledge.Embedder, vectorStore knowledge.VectorStore, indexer knowledge.KeywordIndexer, defaultTopK int) *SearchService {
	if defaultTopK <= 0 {
		defaultTopK = 10
	}
	return &SearchService{
		db:          db,
		embedder:    embedder,
		vectorStore: vectorStore,
		indexer:     indexer,
		defaultTopK: defaultTopK,
	}
}

// Search 在指定知识库内做相似度检索。
// 知识库不存在返回NotFound而不是空结果，嵌入网关故障返回上游错误。
func (s *SearchService) Search(ctx context.Context, kbID uint, req SearchRequest) ([]SearchResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		searchRequestsTotal.WithLabelValues("invalid").Inc()
		return nil, apperrors.NewInvalidInputError("query", "query must not be empty")
	}

	var kb models.KnowledgeBase
	err := s.db.WithContext(ctx).
		Where("knowledge_base_id = ? AND deleting = ?", kbID, false).
		First(&kb).Error
	if err != nil {
		searchRequestsTotal.WithLabelValues("not_found").Inc()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("knowledge base")
		}
		return nil, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to load knowledge base").WithCause(err)
	}

	topK := req.TopK
	if topK <= 0 {
		topK = s.defaultTopK
	}

	embedding, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		searchRequestsTotal.WithLabelValues("upstream_error").Inc()
		return nil, apperrors.NewUpstreamError("embedding", err)
	}

	matches, err := s.vectorStore.Query(ctx, kbID, embedding, topK)
	if err != nil {
		searchRequestsTotal.WithLabelValues("error").Inc()
		return nil, apperrors.NewSystemError(apperrors.ErrCodeOperationFailed, "vector query failed").WithCause(err)
	}
	if len(matches) == 0 {
		searchRequestsTotal.WithLabelValues("ok").Inc()
		return []SearchResult{}, nil
	}

	itemIDs := make([]uint, 0, len(matches))
	similarity := make(map[uint]float64, len(matches))
	for _, m := range matches {
		itemIDs = append(itemIDs, m.ItemID)
		similarity[m.ItemID] = m.Similarity
	}

	// 只返回completed条目，索引里的孤儿向量被静默跳过
	var items []models.KnowledgeItem
	err = s.db.WithContext(ctx).
		Where("knowledge_base_id = ? AND item_id IN ? AND status = ?", kbID, itemIDs, models.ItemStatusCompleted).
		Find(&items).Error
	if err != nil {
		searchRequestsTotal.WithLabelValues("error").Inc()
		return nil, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to resolve items").WithCause(err)
	}

	results := make([]SearchResult, 0, len(items))
	for _, item := range items {
		results = append(results, SearchResult{
			ItemID:      item.ItemID,
			Keyword:     item.Keyword,
			Type:        item.Type,
			Description: item.Description,
			Detail:      item.Detail,
			Example:     item.Example,
			Link:        item.Link,
			SourceFile:  item.SourceFile,
			SplitIndex:  item.SplitIndex,
			Score:       knowledge.ScoreFromSimilarity(similarity[item.ItemID]),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ItemID < results[j].ItemID
	})

	searchRequestsTotal.WithLabelValues("ok").Inc()
	logger.Debug("检索完成",
		zap.Uint("kb_id", kbID),
		zap.Int("top_k", topK),
		zap.Int("results", len(results)))
	return results, nil
}

// KeywordSearch 关键词检索，走Elasticsearch或数据库模糊匹配
func (s *SearchService) KeywordSearch(ctx context.Context, kbID uint, query string, limit int) ([]knowledge.KeywordMatch, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperrors.NewInvalidInputError("query", "query must not be empty")
	}

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

	if limit <= 0 {
		limit = s.defaultTopK
	}

	matches, err := s.indexer.Search(ctx, knowledge.KeywordSearchRequest{
		KnowledgeBaseID: kbID,
		Query:           query,
		Limit:           limit,
	})
	if err != nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeOperationFailed, "keyword search failed").WithCause(err)
	}
	return matches, nil
}
