package services

import (
	"fmt"

	"github.com/weAIDB/CrackSQL/internal/models"
)

// ItemStateMachine 条目处理状态机
// pending → processing → completed|failed；failed|error → pending（显式重试）。
// pending → processing 的迁移由数据库条件更新完成互斥，同一条目同时只有一个worker处理。
type ItemStateMachine struct{}

// NewItemStateMachine 创建条目状态机实例
func NewItemStateMachine() *ItemStateMachine {
	return &ItemStateMachine{}
}

// 状态转换规则
var itemTransitions = map[string][]string{
	models.ItemStatusPending: {
		models.ItemStatusProcessing,
	},
	models.ItemStatusProcessing: {
		models.ItemStatusCompleted,
		models.ItemStatusFailed,
	},
	models.ItemStatusFailed: {
		models.ItemStatusPending,
	},
	models.ItemStatusError: {
		models.ItemStatusPending,
	},
}

// CanTransition 检查是否允许从from迁移到to
func (sm *ItemStateMachine) CanTransition(from, to string) bool {
	for _, next := range itemTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate 校验迁移合法性，非法迁移返回错误
func (sm *ItemStateMachine) Validate(from, to string) error {
	if !sm.CanTransition(from, to) {
		return fmt.Errorf("invalid item transition from %s to %s", from, to)
	}
	return nil
}

// CanRetry 仅失败态条目可重试
func (sm *ItemStateMachine) CanRetry(status string) bool {
	return status == models.ItemStatusFailed || status == models.ItemStatusError
}

// IsTerminal completed为终态，失败态可经重试离开
func (sm *ItemStateMachine) IsTerminal(status string) bool {
	return status == models.ItemStatusCompleted
}
