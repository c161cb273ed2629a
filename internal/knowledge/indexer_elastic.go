package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ElasticsearchIndexer 基于ES的条目关键词索引
type ElasticsearchIndexer struct {
	client      *elasticsearch.Client
	indexPrefix string
	indexCache  map[string]bool
	mu          sync.Mutex
}

// NewElasticsearchIndexer 创建ES索引器
func NewElasticsearchIndexer(addresses []string, username, password, apiKey, indexPrefix string) (KeywordIndexer, error) {
	if len(addresses) == 0 {
		return &NoopKeywordIndexer{}, nil
	}

	cfg := elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
		APIKey:    apiKey,
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	if indexPrefix == "" {
		indexPrefix = "knowledge_items"
	}

	return &ElasticsearchIndexer{
		client:      client,
		indexPrefix: indexPrefix,
		indexCache:  make(map[string]bool),
	}, nil
}

func (e *ElasticsearchIndexer) indexName(kbID uint) string {
	return fmt.Sprintf("%s_%d", e.indexPrefix, kbID)
}

func (e *ElasticsearchIndexer) ensureIndex(ctx context.Context, kbID uint) error {
	name := e.indexName(kbID)

	e.mu.Lock()
	if e.indexCache[name] {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	req := esapi.IndicesExistsRequest{
		Index: []string{name},
	}
	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == 200 {
		e.mu.Lock()
		e.indexCache[name] = true
		e.mu.Unlock()
		return nil
	}

	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"knowledge_base_id": map[string]interface{}{"type": "keyword"},
				"item_id":           map[string]interface{}{"type": "keyword"},
				"keyword": map[string]interface{}{
					"type":          "text",
					"index_options": "offsets",
				},
				"description": map[string]interface{}{"type": "text"},
				"detail":      map[string]interface{}{"type": "text"},
				"source_file": map[string]interface{}{"type": "keyword"},
				"split_index": map[string]interface{}{"type": "integer"},
				"created_at":  map[string]interface{}{"type": "date"},
			},
		},
	}

	body, _ := json.Marshal(mapping)
	createReq := esapi.IndicesCreateRequest{
		Index: name,
		Body:  bytes.NewReader(body),
	}
	createResp, err := createReq.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer createResp.Body.Close()

	if createResp.IsError() {
		return fmt.Errorf("create index error: %s", createResp.String())
	}

	e.mu.Lock()
	e.indexCache[name] = true
	e.mu.Unlock()
	return nil
}

func (e *ElasticsearchIndexer) IndexItem(ctx context.Context, item IndexedItem) error {
	if e.client == nil {
		return nil
	}
	if err := e.ensureIndex(ctx, item.KnowledgeBaseID); err != nil {
		return err
	}

	doc := map[string]interface{}{
		"item_id":           item.ItemID,
		"knowledge_base_id": item.KnowledgeBaseID,
		"keyword":           item.Keyword,
		"description":       item.Description,
		"detail":            item.Detail,
		"source_file":       item.SourceFile,
		"split_index":       item.SplitIndex,
		"created_at":        item.CreatedAt,
	}

	payload, _ := json.Marshal(doc)
	req := esapi.IndexRequest{
		Index:      e.indexName(item.KnowledgeBaseID),
		DocumentID: fmt.Sprintf("%d", item.ItemID),
		Body:       bytes.NewReader(payload),
		Refresh:    "true",
	}

	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return fmt.Errorf("index item error: %s", resp.String())
	}
	return nil
}

func (e *ElasticsearchIndexer) RemoveItem(ctx context.Context, knowledgeBaseID, itemID uint) error {
	if e.client == nil {
		return nil
	}

	req := esapi.DeleteRequest{
		Index:      e.indexName(knowledgeBaseID),
		DocumentID: fmt.Sprintf("%d", itemID),
		Refresh:    "true",
	}
	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 404视为已删除
	if resp.IsError() && resp.StatusCode != 404 {
		return fmt.Errorf("delete item error: %s", resp.String())
	}
	return nil
}

func (e *ElasticsearchIndexer) RemoveKnowledgeBase(ctx context.Context, knowledgeBaseID uint) error {
	if e.client == nil {
		return nil
	}

	name := e.indexName(knowledgeBaseID)
	req := esapi.IndicesDeleteRequest{
		Index: []string{name},
	}
	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.IsError() && resp.StatusCode != 404 {
		return fmt.Errorf("delete index error: %s", resp.String())
	}

	e.mu.Lock()
	delete(e.indexCache, name)
	e.mu.Unlock()
	return nil
}

func (e *ElasticsearchIndexer) Search(ctx context.Context, req KeywordSearchRequest) ([]KeywordMatch, error) {
	if e.client == nil {
		return nil, nil
	}
	if req.Limit == 0 {
		req.Limit = 10
	}
	if err := e.ensureIndex(ctx, req.KnowledgeBaseID); err != nil {
		return nil, err
	}

	// 关键词字段权重最高，短语匹配优先于模糊匹配
	boolQuery := map[string]interface{}{
		"must": []interface{}{
			map[string]interface{}{
				"term": map[string]interface{}{
					"knowledge_base_id": req.KnowledgeBaseID,
				},
			},
		},
		"should": []interface{}{
			map[string]interface{}{
				"match_phrase": map[string]interface{}{
					"keyword": map[string]interface{}{
						"query": req.Query,
						"boost": 3.0,
					},
				},
			},
			map[string]interface{}{
				"multi_match": map[string]interface{}{
					"query":  req.Query,
					"fields": []string{"keyword^2", "description", "detail"},
				},
			},
		},
		"minimum_should_match": 1,
	}

	body := map[string]interface{}{
		"size": req.Limit,
		"query": map[string]interface{}{
			"bool": boolQuery,
		},
		"highlight": map[string]interface{}{
			"fields": map[string]interface{}{
				"keyword": map[string]interface{}{
					"fragment_size":       150,
					"number_of_fragments": 1,
					"pre_tags":            []string{"<mark>"},
					"post_tags":           []string{"</mark>"},
				},
			},
		},
	}

	payload, _ := json.Marshal(body)
	searchReq := esapi.SearchRequest{
		Index: []string{e.indexName(req.KnowledgeBaseID)},
		Body:  bytes.NewReader(payload),
	}

	resp, err := searchReq.Do(ctx, e.client)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return nil, fmt.Errorf("search error: %s", resp.String())
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	hits, ok := result["hits"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	rawHits, ok := hits["hits"].([]interface{})
	if !ok {
		return nil, nil
	}

	matches := make([]KeywordMatch, 0, len(rawHits))
	for _, raw := range rawHits {
		hit, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		score, _ := hit["_score"].(float64)
		idStr, _ := hit["_id"].(string)
		itemID, _ := strconv.ParseUint(strings.TrimSpace(idStr), 10, 64)

		var highlight string
		if hmap, ok := hit["highlight"].(map[string]interface{}); ok {
			if arr, ok := hmap["keyword"].([]interface{}); ok && len(arr) > 0 {
				highlight = fmt.Sprintf("%v", arr[0])
			}
		}

		matches = append(matches, KeywordMatch{
			ItemID:    uint(itemID),
			Score:     score,
			Highlight: highlight,
		})
	}

	return matches, nil
}

func (e *ElasticsearchIndexer) Ready() bool {
	return e.client != nil
}
