package knowledge

import (
	"math"
	"sort"
)

// ScoreFromSimilarity 将余弦相似度归一化为百分制得分。
// 归一化采用固定理论上限：score = (1 + sim) / 2 * 100，
// 等价于余弦距离 d 的 (1 - d/2) * 100。保留两位小数并截断到 [0, 100]，
// 同一索引状态下同一查询的得分完全可复现。
func ScoreFromSimilarity(sim float64) float64 {
	score := (1 + sim) / 2 * 100
	score = math.Round(score*100) / 100
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// SortMatches 按相似度降序排列，相似度相同时按条目ID升序，保证结果确定
func SortMatches(matches []VectorMatch) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity == matches[j].Similarity {
			return matches[i].ItemID < matches[j].ItemID
		}
		return matches[i].Similarity > matches[j].Similarity
	})
}

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	return math.Sqrt(sum)
}

func cosineSimilarity(a, b []float32, normA float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(a) != len(b) {
		minLen := len(a)
		if len(b) < minLen {
			minLen = len(b)
		}
		a = a[:minLen]
		b = b[:minLen]
	}

	var dot float64
	var normB float64
	for i := range a {
		dot += float64(a[i] * b[i])
		normB += float64(b[i] * b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (normA * math.Sqrt(normB))
}
