package httptransport

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/pool"
	"mailmeta/backend/internal/service"
)

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgInvalidJSON    = "JSON格式错误"
	MsgInvalidRange   = "UID 范围无效"
	MsgInternalError  = "服务器内部错误"
	MsgTimeout        = "请求超时"
	MsgUnavailable    = "服务正在关闭"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = []struct {
	err    error
	status int
	msg    string
}{
	{domain.ErrInvalidMailboxID, http.StatusBadRequest, "邮箱 ID 无效"},
	{domain.ErrInvalidSequenceKind, http.StatusBadRequest, "未知的序列类型"},
	{domain.ErrInvalidRange, http.StatusBadRequest, MsgInvalidRange},
	{domain.ErrInvalidEvent, http.StatusBadRequest, "事件参数无效"},
	{domain.ErrInvalidFlag, http.StatusBadRequest, "标志名无效"},
	{domain.ErrInvalidRights, http.StatusBadRequest, "权限字符串无效"},
	{domain.ErrInvalidEntryKey, http.StatusBadRequest, "ACL 条目键无效"},
	{domain.ErrInvalidACLCommand, http.StatusBadRequest, "ACL 编辑命令无效"},
	{service.ErrInvalidCount, http.StatusBadRequest, "分配数量必须为正数"},
	{service.ErrSequenceExhausted, http.StatusConflict, "序列已耗尽"},
	{service.ErrConcurrentModification, http.StatusConflict, "并发修改冲突，请重试"},
	{pool.ErrPoolClosed, http.StatusServiceUnavailable, MsgUnavailable},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, MsgTimeout},
}

// classify 返回错误对应的 HTTP 状态码与中文消息
func classify(err error) (int, string) {
	for _, m := range errorMessages {
		if errors.Is(err, m.err) {
			return m.status, m.msg
		}
	}
	return http.StatusInternalServerError, MsgInternalError
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	_, msg := classify(err)
	return msg
}

// respondError 按错误类型写入响应，服务端错误记录日志
func respondError(c *gin.Context, log *zap.Logger, err error) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("mailbox_id", c.Param("id")),
			zap.Error(err),
		)
	} else if status == http.StatusBadRequest {
		msg = msg + ": " + err.Error()
	}
	_ = c.Error(err)
	Error(c, status, msg)
}
