package knowledge

import (
	"context"
	"time"
)

// IndexedItem 提供给关键词索引的条目结构
type IndexedItem struct {
	ItemID          uint
	KnowledgeBaseID uint
	Keyword         string
	Description     string
	Detail          string
	SourceFile      string
	SplitIndex      int
	CreatedAt       time.Time
}

// KeywordSearchRequest 关键词搜索请求
type KeywordSearchRequest struct {
	KnowledgeBaseID uint
	Query           string
	Limit           int
}

// KeywordMatch 关键词搜索命中
type KeywordMatch struct {
	ItemID    uint
	Score     float64
	Highlight string
}

// KeywordIndexer 关键词索引接口，向量化完成的条目同步写入
type KeywordIndexer interface {
	IndexItem(ctx context.Context, item IndexedItem) error
	RemoveItem(ctx context.Context, knowledgeBaseID, itemID uint) error
	RemoveKnowledgeBase(ctx context.Context, knowledgeBaseID uint) error
	Search(ctx context.Context, req KeywordSearchRequest) ([]KeywordMatch, error)
	Ready() bool
}

// NoopKeywordIndexer 默认占位实现
type NoopKeywordIndexer struct{}

func (n *NoopKeywordIndexer) IndexItem(ctx context.Context, item IndexedItem) error {
	return nil
}

func (n *NoopKeywordIndexer) RemoveItem(ctx context.Context, knowledgeBaseID, itemID uint) error {
	return nil
}

func (n *NoopKeywordIndexer) RemoveKnowledgeBase(ctx context.Context, knowledgeBaseID uint) error {
	return nil
}

func (n *NoopKeywordIndexer) Search(ctx context.Context, req KeywordSearchRequest) ([]KeywordMatch, error) {
	return nil, nil
}

func (n *NoopKeywordIndexer) Ready() bool {
	return false
}
