package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mailmeta/backend/internal/middleware"
)

// Response 统一响应结构
type Response struct {
	Code      int         `json:"code"`                // 业务状态码，与 HTTP 状态码一致
	Msg       string      `json:"msg"`                 // 中文提示信息
	Data      interface{} `json:"data,omitempty"`      // 数据载荷
	RequestID string      `json:"requestId,omitempty"` // 便于按日志排查
}

func respond(c *gin.Context, status int, msg string, data interface{}) {
	c.JSON(status, Response{
		Code:      status,
		Msg:       msg,
		Data:      data,
		RequestID: c.GetString(middleware.ContextKeyRequestID),
	})
}

// Success 成功响应（200）
func Success(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, "成功", data)
}

// SuccessWithMsg 成功响应（200，自定义消息）
func SuccessWithMsg(c *gin.Context, msg string, data interface{}) {
	respond(c, http.StatusOK, msg, data)
}

// BadRequest 请求参数错误（400）
func BadRequest(c *gin.Context, msg string) {
	respond(c, http.StatusBadRequest, msg, nil)
}

// NotFound 资源不存在错误（404）
func NotFound(c *gin.Context, msg string) {
	respond(c, http.StatusNotFound, msg, nil)
}

// Error 通用错误响应
func Error(c *gin.Context, status int, msg string) {
	respond(c, status, msg, nil)
}
