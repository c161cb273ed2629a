package knowledge

import (
	"context"
	"strings"
	"unicode/utf8"
)

// 切分方式
const (
	SplitMethodNormal = "normal"
	SplitMethodAI     = "ai"
)

// RawRecord 上传文件中的单条知识记录
type RawRecord struct {
	Keyword     string `json:"keyword"`
	Type        string `json:"type"`
	SyntaxTree  string `json:"tree"`
	Link        string `json:"link"`
	Description string `json:"description"`
	Example     string `json:"example"`
	Detail      string `json:"detail"`
}

// Candidate 切分产出的候选条目，尚未持久化
type Candidate struct {
	RawRecord
	SourceFile string `json:"source_file"`
	SplitIndex int    `json:"split_index"`
}

// Splitter 将原始记录切分为候选条目序列
type Splitter interface {
	Split(ctx context.Context, records []RawRecord, sourceFile string) ([]Candidate, error)
}

// NormalSplitter 规则切分器：按字符数阈值与分隔符确定切分边界。
// 相同输入与配置产出完全相同的切分结果。
type NormalSplitter struct {
	maxChunkSize int
	delimiters   []string
}

// NewNormalSplitter 创建规则切分器
func NewNormalSplitter(maxChunkSize int, delimiters []string) *NormalSplitter {
	if maxChunkSize <= 0 {
		maxChunkSize = 800
	}
	if len(delimiters) == 0 {
		delimiters = []string{"\n\n", "\n", ";", "."}
	}
	return &NormalSplitter{
		maxChunkSize: maxChunkSize,
		delimiters:   delimiters,
	}
}

func (s *NormalSplitter) Split(ctx context.Context, records []RawRecord, sourceFile string) ([]Candidate, error) {
	var candidates []Candidate
	for _, rec := range records {
		pieces := s.splitText(rec.Detail)
		if len(pieces) == 0 {
			pieces = []string{strings.TrimSpace(rec.Detail)}
		}
		for _, piece := range pieces {
			cand := Candidate{
				RawRecord:  rec,
				SourceFile: sourceFile,
				SplitIndex: len(candidates),
			}
			cand.Detail = piece
			candidates = append(candidates, cand)
		}
	}
	return candidates, nil
}

// splitText 在不超过阈值的前提下尽量在分隔符处断开
func (s *NormalSplitter) splitText(text string) []string {
	clean := strings.TrimSpace(text)
	if clean == "" {
		return nil
	}

	runes := []rune(clean)
	if len(runes) <= s.maxChunkSize {
		return []string{clean}
	}

	var pieces []string
	start := 0
	for start < len(runes) {
		end := start + s.maxChunkSize
		if end >= len(runes) {
			piece := strings.TrimSpace(string(runes[start:]))
			if piece != "" {
				pieces = append(pieces, piece)
			}
			break
		}

		cut := s.cutPoint(runes, start, end)
		piece := strings.TrimSpace(string(runes[start:cut]))
		if piece != "" {
			pieces = append(pieces, piece)
		}
		start = cut
	}
	return pieces
}

// cutPoint 按分隔符优先级寻找窗口内最后一次出现的位置，找不到则硬切
func (s *NormalSplitter) cutPoint(runes []rune, start, end int) int {
	window := string(runes[start:end])
	for _, delim := range s.delimiters {
		if idx := strings.LastIndex(window, delim); idx > 0 {
			return start + utf8.RuneCountInString(window[:idx]) + utf8.RuneCountInString(delim)
		}
	}
	return end
}
