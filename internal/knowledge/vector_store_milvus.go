package knowledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/weAIDB/CrackSQL/internal/logger"
	"go.uber.org/zap"
)

// MilvusOptions Milvus客户端配置
type MilvusOptions struct {
	Address          string
	Username         string
	Password         string
	Database         string
	CollectionPrefix string
	VectorSize       int
	UseTLS           bool
	Timeout          time.Duration
}

type milvusVectorStore struct {
	milvusClient     client.Client
	collectionPrefix string
	vectorSize       int
}

// NewMilvusVectorStore 创建Milvus向量存储，每个知识库一个独立集合
func NewMilvusVectorStore(opts MilvusOptions) (VectorStore, error) {
	if opts.Address == "" {
		opts.Address = "localhost:19530"
	}
	if opts.CollectionPrefix == "" {
		opts.CollectionPrefix = "kb"
	}
	if opts.VectorSize == 0 {
		opts.VectorSize = 1536
	}
	if opts.Database == "" {
		opts.Database = "default"
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	milvusClient, err := client.NewClient(ctx, client.Config{
		Address:       opts.Address,
		DBName:        opts.Database,
		Username:      opts.Username,
		Password:      opts.Password,
		EnableTLSAuth: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	return &milvusVectorStore{
		milvusClient:     milvusClient,
		collectionPrefix: opts.CollectionPrefix,
		vectorSize:       opts.VectorSize,
	}, nil
}

func (s *milvusVectorStore) collectionName(kbID uint) string {
	return fmt.Sprintf("%s_%d", s.collectionPrefix, kbID)
}

// buildVectorIndex HNSW参数非法时退回IVF_FLAT
func buildVectorIndex() (entity.Index, error) {
	index, err := entity.NewIndexHNSW(entity.COSINE, 8, 64)
	if err != nil {
		return entity.NewIndexIvfFlat(entity.COSINE, 128)
	}
	return index, nil
}

func (s *milvusVectorStore) ensureCollection(ctx context.Context, kbID uint) error {
	name := s.collectionName(kbID)

	hasCollection, err := s.milvusClient.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if hasCollection {
		return nil
	}

	schema := &entity.Schema{
		CollectionName: name,
		Description:    fmt.Sprintf("knowledge base %d item vectors", kbID),
		Fields: []*entity.Field{
			{
				Name:       "id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "item_id",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "knowledge_base_id",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "vector",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", s.vectorSize),
				},
			},
		},
	}

	if err := s.milvusClient.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	index, indexErr := buildVectorIndex()
	if indexErr != nil {
		return fmt.Errorf("failed to create index: %w", indexErr)
	}
	if err := s.milvusClient.CreateIndex(ctx, name, "vector", index, false); err != nil {
		logger.Warn("创建向量索引失败", zap.String("collection", name), zap.Error(err))
	}

	if err := s.milvusClient.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	return nil
}

func (s *milvusVectorStore) Insert(ctx context.Context, entry VectorEntry) (string, error) {
	if len(entry.Embedding) == 0 {
		return "", errors.New("embedding is empty")
	}
	if len(entry.Embedding) != s.vectorSize {
		// 维度不足时补零对齐
		embedding := make([]float32, s.vectorSize)
		copy(embedding, entry.Embedding)
		entry.Embedding = embedding
	}

	if err := s.ensureCollection(ctx, entry.KnowledgeBaseID); err != nil {
		return "", err
	}

	collectionName := s.collectionName(entry.KnowledgeBaseID)

	// 先清掉同一条目的旧向量，重试不会产生重复命中
	expr := fmt.Sprintf("item_id == %d", entry.ItemID)
	if err := s.milvusClient.Delete(ctx, collectionName, "", expr); err != nil {
		return "", fmt.Errorf("milvus delete before insert failed: %w", err)
	}

	vectorID := uuid.NewString()
	idColumn := entity.NewColumnVarChar("id", []string{vectorID})
	itemIDColumn := entity.NewColumnInt64("item_id", []int64{int64(entry.ItemID)})
	kbIDColumn := entity.NewColumnInt64("knowledge_base_id", []int64{int64(entry.KnowledgeBaseID)})
	vectorColumn := entity.NewColumnFloatVector("vector", s.vectorSize, [][]float32{entry.Embedding})

	if _, err := s.milvusClient.Insert(ctx, collectionName, "", idColumn, itemIDColumn, kbIDColumn, vectorColumn); err != nil {
		return "", fmt.Errorf("milvus insert failed: %w", err)
	}

	if err := s.milvusClient.Flush(ctx, collectionName, false); err != nil {
		logger.Warn("刷新向量集合失败", zap.String("collection", collectionName), zap.Error(err))
	}

	return vectorID, nil
}

func (s *milvusVectorStore) DeleteItem(ctx context.Context, knowledgeBaseID, itemID uint) error {
	name := s.collectionName(knowledgeBaseID)
	hasCollection, err := s.milvusClient.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !hasCollection {
		return nil
	}

	expr := fmt.Sprintf("item_id == %d", itemID)
	if err := s.milvusClient.Delete(ctx, name, "", expr); err != nil {
		return fmt.Errorf("milvus delete failed: %w", err)
	}

	// 删除后立即刷新，保证后续查询不再命中
	if err := s.milvusClient.Flush(ctx, name, false); err != nil {
		return fmt.Errorf("milvus flush after delete failed: %w", err)
	}

	return nil
}

func (s *milvusVectorStore) DropNamespace(ctx context.Context, knowledgeBaseID uint) error {
	name := s.collectionName(knowledgeBaseID)
	hasCollection, err := s.milvusClient.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !hasCollection {
		return nil
	}

	if err := s.milvusClient.DropCollection(ctx, name); err != nil {
		return fmt.Errorf("milvus drop collection failed: %w", err)
	}
	return nil
}

func (s *milvusVectorStore) Query(ctx context.Context, knowledgeBaseID uint, embedding []float32, topK int) ([]VectorMatch, error) {
	if len(embedding) == 0 {
		return nil, errors.New("query embedding is empty")
	}
	if topK <= 0 {
		topK = 10
	}

	name := s.collectionName(knowledgeBaseID)
	hasCollection, err := s.milvusClient.HasCollection(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection: %w", err)
	}
	if !hasCollection {
		return []VectorMatch{}, nil
	}

	sp, _ := entity.NewIndexHNSWSearchParam(64)
	queryVector := entity.FloatVector(embedding)
	searchResults, err := s.milvusClient.Search(
		ctx,
		name,
		[]string{},
		"",
		[]string{"item_id"},
		[]entity.Vector{queryVector},
		"vector",
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("milvus search failed: %w", err)
	}

	if len(searchResults) == 0 {
		return []VectorMatch{}, nil
	}
	result := searchResults[0]
	if result.Err != nil {
		return nil, fmt.Errorf("milvus search error: %w", result.Err)
	}
	if result.ResultCount == 0 {
		return []VectorMatch{}, nil
	}

	var vectorIDs []string
	if idCol, ok := result.IDs.(*entity.ColumnVarChar); ok {
		vectorIDs = idCol.Data()
	}

	var itemIDs []int64
	for _, field := range result.Fields {
		if field.Name() == "item_id" {
			if col, ok := field.(*entity.ColumnInt64); ok {
				itemIDs = col.Data()
			}
		}
	}

	matches := make([]VectorMatch, 0, result.ResultCount)
	for i := 0; i < result.ResultCount; i++ {
		match := VectorMatch{}
		if i < len(itemIDs) {
			match.ItemID = uint(itemIDs[i])
		}
		if i < len(vectorIDs) {
			match.VectorID = vectorIDs[i]
		}
		if i < len(result.Scores) {
			// COSINE度量下Milvus返回的score即余弦相似度
			match.Similarity = float64(result.Scores[i])
		}
		matches = append(matches, match)
	}

	SortMatches(matches)
	return matches, nil
}

func (s *milvusVectorStore) Ready() bool {
	if s.milvusClient == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.milvusClient.ListCollections(ctx)
	return err == nil
}
