package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/weAIDB/CrackSQL/internal/services"
)

// SearchController 检索控制器
type SearchController struct {
	BaseController
}

// Search 相似度检索。POST带JSON体，GET用query参数，两种都支持。
func (c *SearchController) Search() {
	kbID, ok := c.mustParseUintParam(":id")
	if !ok {
		return
	}

	var req services.SearchRequest
	if len(c.Ctx.Input.RequestBody) > 0 {
		if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
			c.JSONError(http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		req.Query = c.GetString("query")
		req.TopK, _ = strconv.Atoi(c.GetString("top_k", "0"))
	}

	results, err := registry.Search.Search(c.Ctx.Request.Context(), kbID, req)
	if err != nil {
		c.handleError(err)
		return
	}

	c.JSONSuccess(map[string]interface{}{
		"query":   req.Query,
		"results": results,
		"count":   len(results),
	})
}

// KeywordSearch 关键词检索
func (c *SearchController) KeywordSearch() {
	kbID, ok := c.mustParseUintParam(":id")
	if !ok {
		return
	}

	query := c.GetString("query")
	limit, _ := strconv.Atoi(c.GetString("limit", "0"))

	matches, err := registry.Search.KeywordSearch(c.Ctx.Request.Context(), kbID, query, limit)
	if err != nil {
		c.handleError(err)
		return
	}

	c.JSONSuccess(map[string]interface{}{
		"query":   query,
		"matches": matches,
		"count":   len(matches),
	})
}
