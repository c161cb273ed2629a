package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreFromSimilarity(t *testing.T) {
	// 完全相同的向量得满分
	assert.Equal(t, 100.0, ScoreFromSimilarity(1.0))
	// 正交向量得50分
	assert.Equal(t, 50.0, ScoreFromSimilarity(0.0))
	// 完全相反的向量得0分
	assert.Equal(t, 0.0, ScoreFromSimilarity(-1.0))
}

func TestScoreFromSimilarity_Rounding(t *testing.T) {
	// 保留两位小数
	assert.Equal(t, 75.06, ScoreFromSimilarity(0.50123))
	assert.Equal(t, 62.5, ScoreFromSimilarity(0.25))
}

func TestScoreFromSimilarity_Clamped(t *testing.T) {
	// 浮点误差导致的越界值被截断
	assert.Equal(t, 100.0, ScoreFromSimilarity(1.0000001))
	assert.Equal(t, 0.0, ScoreFromSimilarity(-1.0000001))
}

func TestScoreFromSimilarity_Monotonic(t *testing.T) {
	sims := []float64{-1, -0.5, 0, 0.3, 0.7, 1}
	prev := -1.0
	for _, sim := range sims {
		score := ScoreFromSimilarity(sim)
		assert.GreaterOrEqual(t, score, prev, "相似度越高得分不应降低")
		prev = score
	}
}

func TestSortMatches(t *testing.T) {
	matches := []VectorMatch{
		{ItemID: 3, Similarity: 0.5},
		{ItemID: 1, Similarity: 0.9},
		{ItemID: 2, Similarity: 0.5},
	}

	SortMatches(matches)

	assert.Equal(t, uint(1), matches[0].ItemID)
	// 相似度并列时按条目ID升序
	assert.Equal(t, uint(2), matches[1].ItemID)
	assert.Equal(t, uint(3), matches[2].ItemID)
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	c := []float32{0, 1, 0}

	assert.InDelta(t, 1.0, cosineSimilarity(a, b, vectorNorm(a)), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity(a, c, vectorNorm(a)), 1e-9)

	// 零向量不产生NaN
	zero := []float32{0, 0, 0}
	assert.Equal(t, 0.0, cosineSimilarity(a, zero, vectorNorm(a)))
}
