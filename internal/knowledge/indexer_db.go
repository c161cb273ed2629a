package knowledge

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"gorm.io/gorm"
)

// DatabaseIndexer 基于PostgreSQL的关键词查询退化实现。
// 条目本身保存在knowledge_items表中，IndexItem无需额外写入。
type DatabaseIndexer struct {
	db *gorm.DB
}

func NewDatabaseIndexer(db *gorm.DB) KeywordIndexer {
	return &DatabaseIndexer{db: db}
}

func (d *DatabaseIndexer) IndexItem(ctx context.Context, item IndexedItem) error {
	return nil
}

func (d *DatabaseIndexer) RemoveItem(ctx context.Context, knowledgeBaseID, itemID uint) error {
	return nil
}

func (d *DatabaseIndexer) RemoveKnowledgeBase(ctx context.Context, knowledgeBaseID uint) error {
	return nil
}

func (d *DatabaseIndexer) Search(ctx context.Context, req KeywordSearchRequest) ([]KeywordMatch, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, nil
	}
	if req.Limit == 0 {
		req.Limit = 10
	}

	var rows []itemKeywordRecord
	err := d.db.WithContext(ctx).
		Table("knowledge_items").
		Select("item_id, keyword").
		Where("knowledge_base_id = ?", req.KnowledgeBaseID).
		Where("status = ?", "completed").
		Where("keyword ILIKE ? OR description ILIKE ?", "%"+req.Query+"%", "%"+req.Query+"%").
		Order("item_id ASC").
		Limit(req.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("database keyword search failed: %w", err)
	}

	matches := make([]KeywordMatch, 0, len(rows))
	for _, row := range rows {
		matches = append(matches, KeywordMatch{
			ItemID:    row.ItemID,
			Score:     0.6,
			Highlight: buildHighlight(row.Keyword, req.Query),
		})
	}
	return matches, nil
}

func (d *DatabaseIndexer) Ready() bool {
	return d.db != nil
}

// itemKeywordRecord 查询用最小结构，避免引用模型产生循环依赖
type itemKeywordRecord struct {
	ItemID  uint
	Keyword string
}

// buildHighlight 以命中位置为中心截取片段并包上标记。
// 逐字符小写后按字符偏移匹配和切片，多字节字符不会被切半。
func buildHighlight(content, query string) string {
	orig := []rune(content)
	lowered := make([]rune, len(orig))
	for i, r := range orig {
		lowered[i] = unicode.ToLower(r)
	}
	q := []rune(query)
	for i, r := range q {
		q[i] = unicode.ToLower(r)
	}

	idx := indexRunes(lowered, q)
	if idx == -1 {
		return ""
	}

	start := idx - 40
	if start < 0 {
		start = 0
	}
	end := idx + len(q) + 40
	if end > len(orig) {
		end = len(orig)
	}
	return string(orig[start:idx]) + "<mark>" + string(orig[idx:idx+len(q)]) + "</mark>" + string(orig[idx+len(q):end])
}

func indexRunes(haystack, needle []rune) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
