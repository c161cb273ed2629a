package controllers

import (
	"net/http"
	"strconv"

	"github.com/beego/beego/v2/server/web"

	apperrors "github.com/weAIDB/CrackSQL/internal/errors"
)

// BaseController provides helpers for consistent JSON responses.
type BaseController struct {
	web.Controller
}

// JSON writes a JSON response with the supplied HTTP status code.
func (c *BaseController) JSON(status int, payload interface{}) {
	c.Ctx.Output.SetStatus(status)
	c.Data["json"] = payload
	c.ServeJSON()
}

// JSONSuccess writes a standard success envelope.
func (c *BaseController) JSONSuccess(data interface{}) {
	c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// JSONError writes an error envelope with message.
func (c *BaseController) JSONError(status int, message string) {
	c.JSON(status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// handleError 按错误类型选择状态码，AppError携带自己的HTTP状态
func (c *BaseController) handleError(err error) {
	appErr := apperrors.GetAppError(err)
	c.JSON(appErr.HTTPCode, map[string]interface{}{
		"success": false,
		"code":    appErr.Code,
		"error":   appErr.Message,
		"details": appErr.Details,
	})
}

// mustParseUintParam 解析路径参数，失败时直接响应400
func (c *BaseController) mustParseUintParam(name string) (uint, bool) {
	raw := c.Ctx.Input.Param(name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		c.JSONError(http.StatusBadRequest, "invalid id parameter")
		return 0, false
	}
	return uint(id), true
}
