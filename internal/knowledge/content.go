package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
)

const embeddingSeparator = "--separator--"

// BuildEmbeddingText 拼接条目中参与向量化的内容
func BuildEmbeddingText(keyword, detail, description string) string {
	return keyword + embeddingSeparator + detail + description
}

// ContentHash 计算条目内容指纹，内容未变化的编辑不触发重新向量化
func ContentHash(keyword, detail, description string) string {
	sum := sha256.Sum256([]byte(BuildEmbeddingText(keyword, detail, description)))
	return hex.EncodeToString(sum[:])
}
