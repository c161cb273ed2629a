package knowledge

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// memoryVectorStore 进程内向量索引，用于开发环境与测试
type memoryVectorStore struct {
	mu         sync.RWMutex
	namespaces map[uint]map[uint]memoryVector
}

type memoryVector struct {
	vectorID  string
	embedding []float32
}

// NewMemoryVectorStore 创建内存向量存储
func NewMemoryVectorStore() VectorStore {
	return &memoryVectorStore{
		namespaces: make(map[uint]map[uint]memoryVector),
	}
}

func (s *memoryVectorStore) Insert(ctx context.Context, entry VectorEntry) (string, error) {
	if len(entry.Embedding) == 0 {
		return "", errors.New("embedding is empty")
	}

	embedding := make([]float32, len(entry.Embedding))
	copy(embedding, entry.Embedding)
	vectorID := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.namespaces[entry.KnowledgeBaseID]
	if !ok {
		ns = make(map[uint]memoryVector)
		s.namespaces[entry.KnowledgeBaseID] = ns
	}
	// 同一条目重复写入时替换旧向量，保证不出现重复命中
	ns[entry.ItemID] = memoryVector{
		vectorID:  vectorID,
		embedding: embedding,
	}
	return vectorID, nil
}

func (s *memoryVectorStore) DeleteItem(ctx context.Context, knowledgeBaseID, itemID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ns, ok := s.namespaces[knowledgeBaseID]; ok {
		delete(ns, itemID)
	}
	return nil
}

func (s *memoryVectorStore) DropNamespace(ctx context.Context, knowledgeBaseID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.namespaces, knowledgeBaseID)
	return nil
}

func (s *memoryVectorStore) Query(ctx context.Context, knowledgeBaseID uint, embedding []float32, topK int) ([]VectorMatch, error) {
	if len(embedding) == 0 {
		return nil, errors.New("query embedding is empty")
	}
	if topK <= 0 {
		topK = 10
	}

	queryNorm := vectorNorm(embedding)
	if queryNorm == 0 {
		return nil, errors.New("query embedding norm is zero")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ns, ok := s.namespaces[knowledgeBaseID]
	if !ok {
		return []VectorMatch{}, nil
	}

	matches := make([]VectorMatch, 0, len(ns))
	for itemID, vec := range ns {
		matches = append(matches, VectorMatch{
			ItemID:     itemID,
			VectorID:   vec.vectorID,
			Similarity: cosineSimilarity(embedding, vec.embedding, queryNorm),
		})
	}

	SortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *memoryVectorStore) Ready() bool {
	return true
}
