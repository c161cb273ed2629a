package controllers

import (
	"context"
	"time"

	"github.com/weAIDB/CrackSQL/internal/database"
)

// RootController 根控制器
type RootController struct {
	BaseController
}

func (c *RootController) Index() {
	c.JSONSuccess(map[string]string{"message": "CrackSQL Knowledge Service API"})
}

// HealthController 健康检查控制器
type HealthController struct {
	BaseController
}

// Health 汇总核心依赖的连通状态。数据库断开算不健康，
// Redis等可选组件只上报状态不影响整体结论。
func (c *HealthController) Health() {
	ctx, cancel := context.WithTimeout(c.Ctx.Request.Context(), 3*time.Second)
	defer cancel()

	components := map[string]string{}
	healthy := true

	if sqlDB, err := database.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		components["database"] = "down"
		healthy = false
	} else {
		components["database"] = "up"
	}

	if database.RedisClient == nil {
		components["redis"] = "disabled"
	} else if err := database.RedisClient.Ping(ctx).Err(); err != nil {
		components["redis"] = "down"
	} else {
		components["redis"] = "up"
	}

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.JSONSuccess(map[string]interface{}{
		"status":     status,
		"components": components,
	})
}
