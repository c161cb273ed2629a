package models

import (
	"time"
)

// 知识库条目状态
const (
	ItemStatusPending    = "pending"
	ItemStatusProcessing = "processing"
	ItemStatusCompleted  = "completed"
	ItemStatusFailed     = "failed"
	ItemStatusError      = "error"
)

// KnowledgeBase 知识库元数据
// 名称全局唯一（2-50字符），删除时级联清理条目与向量数据。
// Generation 在每次删除时递增，用于丢弃删除期间仍在途的向量写入；
// Deleting 为两阶段删除标记，崩溃后可据此继续清理而不丢数据。
type KnowledgeBase struct {
	KnowledgeBaseID  uint      `gorm:"primaryKey;column:knowledge_base_id" json:"knowledge_base_id"`
	Name             string    `gorm:"size:50;not null;uniqueIndex" json:"name"`
	Description      string    `gorm:"type:text" json:"description"`
	EmbeddingModelID uint      `gorm:"column:embedding_model_id;not null" json:"embedding_model_id"`
	VectorDimension  int       `gorm:"column:vector_dimension;not null" json:"vector_dimension"`
	DatabaseType     string    `gorm:"column:database_type;size:50" json:"database_type"`
	Generation       uint64    `gorm:"not null;default:0" json:"-"`
	Deleting         bool      `gorm:"not null;default:false;index" json:"-"`
	CreateTime       time.Time `gorm:"column:create_time;autoCreateTime" json:"create_time"`
	UpdateTime       time.Time `gorm:"column:update_time;autoUpdateTime" json:"update_time"`

	Items []KnowledgeItem `gorm:"foreignKey:KnowledgeBaseID" json:"-"`
}

func (KnowledgeBase) TableName() string {
	return "knowledge_bases"
}

// KnowledgeItem 知识库条目（文档切分后的知识块）
// 不变式：VectorID 非空当且仅当 Status 为 completed。
type KnowledgeItem struct {
	ItemID          uint      `gorm:"primaryKey;column:item_id" json:"item_id"`
	KnowledgeBaseID uint      `gorm:"column:knowledge_base_id;not null;index" json:"knowledge_base_id"`
	Keyword         string    `gorm:"size:255;not null" json:"keyword"`
	Type            string    `gorm:"size:50" json:"type"`
	SyntaxTree      string    `gorm:"type:text;column:syntax_tree" json:"tree"`
	Link            string    `gorm:"size:500" json:"link"`
	Description     string    `gorm:"type:text" json:"description"`
	Example         string    `gorm:"type:text" json:"example"`
	Detail          string    `gorm:"type:text" json:"detail"`
	Status          string    `gorm:"size:20;not null;default:pending;index" json:"status"`
	ErrorMessage    string    `gorm:"type:text;column:error_message" json:"error_message,omitempty"`
	ContentHash     string    `gorm:"size:64;column:content_hash" json:"-"`
	VectorID        string    `gorm:"size:64;column:vector_id" json:"-"`
	SourceFile      string    `gorm:"size:255;column:source_file" json:"source_file,omitempty"`
	SplitIndex      int       `gorm:"column:split_index" json:"split_index"`
	CreateTime      time.Time `gorm:"column:create_time;autoCreateTime" json:"create_time"`
	UpdateTime      time.Time `gorm:"column:update_time;autoUpdateTime" json:"update_time"`
}

func (KnowledgeItem) TableName() string {
	return "knowledge_items"
}

// HasError 条目是否处于带错误信息的状态
func (i *KnowledgeItem) HasError() bool {
	return i.Status == ItemStatusFailed || i.Status == ItemStatusError
}
