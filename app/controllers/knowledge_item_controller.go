package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/weAIDB/CrackSQL/internal/services"
)

// KnowledgeItemController 知识条目控制器
type KnowledgeItemController struct {
	BaseController
}

// List 分页查询知识库条目
func (c *KnowledgeItemController) List() {
	kbID, ok := c.mustParseUintParam(":id")
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.GetString("page", "1"))
	limit, _ := strconv.Atoi(c.GetString("limit", "20"))
	status := c.GetString("status")
	search := c.GetString("search")

	items, total, err := registry.Items.ListItems(c.Ctx.Request.Context(), kbID, page, limit, status, search)
	if err != nil {
		c.handleError(err)
		return
	}

	c.JSONSuccess(map[string]interface{}{
		"items": items,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

// Add 手工批量录入条目
func (c *KnowledgeItemController) Add() {
	kbID, ok := c.mustParseUintParam(":id")
	if !ok {
		return
	}

	var req struct {
		Items []services.AddItemRequest `json:"items"`
	}
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
		c.JSONError(http.StatusBadRequest, "invalid request body")
		return
	}

	items, err := registry.Items.AddItems(c.Ctx.Request.Context(), kbID, req.Items)
	if err != nil {
		c.handleError(err)
		return
	}

	c.JSONSuccess(map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// Get 获取单条目
func (c *KnowledgeItemController) Get() {
	itemID, ok := c.mustParseUintParam(":item_id")
	if !ok {
		return
	}

	item, err := registry.Items.GetItem(c.Ctx.Request.Context(), itemID)
	if err != nil {
		c.handleError(err)
		return
	}

	c.JSONSuccess(item)
}

// Update 编辑条目，内容变化时自动重新向量化
func (c *KnowledgeItemController) Update() {
	itemID, ok := c.mustParseUintParam(":item_id")
	if !ok {
		return
	}

	var req services.UpdateItemRequest
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
		c.JSONError(http.StatusBadRequest, "invalid request body")
		return
	}

	item, err := registry.Items.UpdateItem(c.Ctx.Request.Context(), itemID, req)
	if err != nil {
		c.handleError(err)
		return
	}

	c.JSONSuccess(item)
}

// Delete 批量删除条目
func (c *KnowledgeItemController) Delete() {
	kbID, ok := c.mustParseUintParam(":id")
	if !ok {
		return
	}

	var req struct {
		ItemIDs []uint `json:"item_ids"`
	}
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
		c.JSONError(http.StatusBadRequest, "invalid request body")
		return
	}

	if err := registry.Items.DeleteItems(c.Ctx.Request.Context(), kbID, req.ItemIDs); err != nil {
		c.handleError(err)
		return
	}

	c.JSONSuccess(map[string]interface{}{
		"message": "items deleted",
		"count":   len(req.ItemIDs),
	})
}

// Retry 重试失败条目
func (c *KnowledgeItemController) Retry() {
	itemID, ok := c.mustParseUintParam(":item_id")
	if !ok {
		return
	}

	item, err := registry.Items.RetryItem(c.Ctx.Request.Context(), itemID)
	if err != nil {
		c.handleError(err)
		return
	}

	c.JSONSuccess(item)
}
