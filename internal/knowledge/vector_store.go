package knowledge

import "context"

// VectorEntry 待写入向量索引的条目向量
type VectorEntry struct {
	ItemID          uint
	KnowledgeBaseID uint
	Text            string
	Embedding       []float32
}

// VectorMatch 向量检索命中，Similarity 为余弦相似度
type VectorMatch struct {
	ItemID     uint
	VectorID   string
	Similarity float64
}

// VectorStore 向量索引抽象，按知识库隔离命名空间。
// DeleteItem 返回后，同一调用方的后续 Query 不会再命中该条目；
// 针对知识库A的查询永远不会返回知识库B的条目。
type VectorStore interface {
	// Insert 写入条目向量并返回向量ID；同一条目重复写入时替换旧向量
	Insert(ctx context.Context, entry VectorEntry) (string, error)
	// DeleteItem 删除单个条目的向量，条目不存在时不报错
	DeleteItem(ctx context.Context, knowledgeBaseID, itemID uint) error
	// DropNamespace 删除知识库的整个向量命名空间
	DropNamespace(ctx context.Context, knowledgeBaseID uint) error
	// Query 返回最多topK个最近邻，相似度降序
	Query(ctx context.Context, knowledgeBaseID uint, embedding []float32, topK int) ([]VectorMatch, error)
	Ready() bool
}
