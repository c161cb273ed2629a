package controllers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/weAIDB/CrackSQL/internal/knowledge"
	"github.com/weAIDB/CrackSQL/internal/services"
)

// IngestController 批量入库控制器：上传 → 切分 → 入队
type IngestController struct {
	BaseController
}

// Upload 接收一批JSON文件并返回逐文件校验结果
func (c *IngestController) Upload() {
	kbID, ok := c.mustParseUintParam(":id")
	if !ok {
		return
	}

	fileHeaders, err := c.GetFiles("files")
	if err != nil {
		c.JSONError(http.StatusBadRequest, "no files in request")
		return
	}

	files := make([]services.UploadFile, 0, len(fileHeaders))
	for _, fh := range fileHeaders {
		f, err := fh.Open()
		if err != nil {
			c.JSONError(http.StatusBadRequest, "failed to read uploaded file")
			return
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			c.JSONError(http.StatusBadRequest, "failed to read uploaded file")
			return
		}
		files = append(files, services.UploadFile{
			Name:    fh.Filename,
			Content: content,
		})
	}

	result, err := registry.Ingest.SelectFiles(c.Ctx.Request.Context(), kbID, files)
	if err != nil {
		c.handleError(err)
		return
	}

	c.JSONSuccess(result)
}

// Split 按指定方式切分上传结果中的记录
func (c *IngestController) Split() {
	kbID, ok := c.mustParseUintParam(":id")
	if !ok {
		return
	}

	var req struct {
		Method string                 `json:"split_method"`
		Files  []services.FileResult  `json:"files"`
	}
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
		c.JSONError(http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := registry.Ingest.Split(c.Ctx.Request.Context(), kbID, req.Method, req.Files)
	if err != nil {
		c.handleError(err)
		return
	}

	c.JSONSuccess(result)
}

// Enqueue 将预览确认后的条目入队处理
func (c *IngestController) Enqueue() {
	kbID, ok := c.mustParseUintParam(":id")
	if !ok {
		return
	}

	var req struct {
		Items []knowledge.Candidate `json:"items"`
	}
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
		c.JSONError(http.StatusBadRequest, "invalid request body")
		return
	}

	items, err := registry.Ingest.Enqueue(c.Ctx.Request.Context(), kbID, req.Items)
	if err != nil {
		c.handleError(err)
		return
	}

	c.JSONSuccess(map[string]interface{}{
		"enqueued": len(items),
		"items":    items,
	})
}
