package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/weAIDB/CrackSQL/internal/services"
)

// KnowledgeBaseController 知识库控制器
type KnowledgeBaseController struct {
	BaseController
}

// List 获取知识库列表
func (c *KnowledgeBaseController) List() {
	page, _ := strconv.Atoi(c.GetString("page", "1"))
	limit, _ := strconv.Atoi(c.GetString("limit", "20"))
	search := c.GetString("search")

	bases, total, err := registry.KnowledgeBases.List(c.Ctx.Request.Context(), page, limit, search)
	if err != nil {
		c.handleError(err)
		return
	}

	c.JSONSuccess(map[string]interface{}{
		"knowledge_bases": bases,
		"total":           total,
		"page":            page,
		"limit":           limit,
	})
}

// Get 获取知识库详情
func (c *KnowledgeBaseController) Get() {
	kbID, ok := c.mustParseUintParam(":id")
	if !ok {
		return
	}

	kb, err := registry.KnowledgeBases.Get(c.Ctx.Request.Context(), kbID)
	if err != nil {
		c.handleError(err)
		return
	}

	c.JSONSuccess(kb)
}

// Create 创建知识库
func (c *KnowledgeBaseController) Create() {
	var req services.CreateKnowledgeBaseRequest
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
		c.JSONError(http.StatusBadRequest, "invalid request body")
		return
	}

	kb, err := registry.KnowledgeBases.Create(c.Ctx.Request.Context(), req)
	if err != nil {
		c.handleError(err)
		return
	}

	c.JSONSuccess(kb)
}

// Update 更新知识库
func (c *KnowledgeBaseController) Update() {
	kbID, ok := c.mustParseUintParam(":id")
	if !ok {
		return
	}

	var req services.UpdateKnowledgeBaseRequest
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
		c.JSONError(http.StatusBadRequest, "invalid request body")
		return
	}

	kb, err := registry.KnowledgeBases.Update(c.Ctx.Request.Context(), kbID, req)
	if err != nil {
		c.handleError(err)
		return
	}

	c.JSONSuccess(kb)
}

// Delete 删除知识库（级联删除条目与向量）
func (c *KnowledgeBaseController) Delete() {
	kbID, ok := c.mustParseUintParam(":id")
	if !ok {
		return
	}

	if err := registry.KnowledgeBases.Delete(c.Ctx.Request.Context(), kbID); err != nil {
		c.handleError(err)
		return
	}

	c.JSONSuccess(map[string]interface{}{
		"message": "knowledge base deleted",
	})
}

// Status 获取知识库条目处理进度，客户端轮询用
func (c *KnowledgeBaseController) Status() {
	kbID, ok := c.mustParseUintParam(":id")
	if !ok {
		return
	}

	if _, err := registry.KnowledgeBases.Get(c.Ctx.Request.Context(), kbID); err != nil {
		c.handleError(err)
		return
	}

	counts, err := registry.StatusCache.GetStatusCounts(c.Ctx.Request.Context(), kbID)
	if err != nil {
		c.handleError(err)
		return
	}

	c.JSONSuccess(map[string]interface{}{
		"knowledge_base_id": kbID,
		"status_counts":     counts,
	})
}
