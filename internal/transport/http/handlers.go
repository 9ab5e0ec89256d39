package httptransport

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/service"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	sequences  map[domain.SequenceKind]*service.SequenceAllocator
	rights     *service.RightsStore
	index      *service.IndexTableHandler
	reader     *service.IndexReader
	dispatcher *service.EventDispatcher
	log        *zap.Logger
}

func mailboxParam(c *gin.Context) (domain.MailboxID, error) {
	id := domain.MailboxID(c.Param("id"))
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// ========== Sequence Handlers ==========

type allocateRequest struct {
	Count int64 `json:"count"`
}

type allocateResponse struct {
	Kind  domain.SequenceKind `json:"kind"`
	First int64               `json:"first"`
	Last  int64               `json:"last"`
}

type sequenceResponse struct {
	Kind  domain.SequenceKind `json:"kind"`
	Value int64               `json:"value"`
}

func (h *Handler) allocator(c *gin.Context) (*service.SequenceAllocator, error) {
	kind := domain.SequenceKind(c.Param("kind"))
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	a, ok := h.sequences[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q not served", domain.ErrInvalidSequenceKind, kind)
	}
	return a, nil
}

// allocateSequence 分配下一个（或一段连续的）序列值
// POST /v1/mailboxes/:id/sequences/:kind/next
func (h *Handler) allocateSequence(c *gin.Context) {
	mailboxID, err := mailboxParam(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	alloc, err := h.allocator(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	req := allocateRequest{Count: 1}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, MsgInvalidJSON)
			return
		}
	}

	first, last, err := alloc.NextValues(c.Request.Context(), mailboxID, req.Count)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, allocateResponse{Kind: alloc.Kind(), First: first, Last: last})
}

// getSequence 读取已分配的最大值
// GET /v1/mailboxes/:id/sequences/:kind
func (h *Handler) getSequence(c *gin.Context) {
	mailboxID, err := mailboxParam(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	alloc, err := h.allocator(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	v, err := alloc.HighestValue(c.Request.Context(), mailboxID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, sequenceResponse{Kind: alloc.Kind(), Value: v})
}

// ========== ACL Handlers ==========

// getACL GET /v1/mailboxes/:id/acl
func (h *Handler) getACL(c *gin.Context) {
	mailboxID, err := mailboxParam(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	acl, err := h.rights.GetACL(c.Request.Context(), mailboxID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, acl)
}

// updateACL 应用一条编辑命令
// PATCH /v1/mailboxes/:id/acl
func (h *Handler) updateACL(c *gin.Context) {
	mailboxID, err := mailboxParam(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	var cmd domain.ACLCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		respondError(c, h.log, fmt.Errorf("%w: %v", domain.ErrInvalidACLCommand, err))
		return
	}

	diff, err := h.rights.UpdateACL(c.Request.Context(), mailboxID, cmd)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, diff)
}

// setACL 整体替换 ACL
// PUT /v1/mailboxes/:id/acl
func (h *Handler) setACL(c *gin.Context) {
	mailboxID, err := mailboxParam(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	var acl domain.ACL
	if err := c.ShouldBindJSON(&acl); err != nil {
		respondError(c, h.log, fmt.Errorf("%w: %v", domain.ErrInvalidACLCommand, err))
		return
	}

	diff, err := h.rights.SetACL(c.Request.Context(), mailboxID, acl)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, diff)
}

// ========== Index Handlers ==========

// applyEvent 同步处理单个邮箱事件
// POST /v1/mailboxes/:id/events
func (h *Handler) applyEvent(c *gin.Context) {
	mailboxID, err := mailboxParam(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	var event domain.MailboxEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		respondError(c, h.log, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err))
		return
	}
	event.MailboxID = mailboxID

	if err := h.index.Apply(c.Request.Context(), event); err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "索引已更新", nil)
}

type batchRequest struct {
	Events []domain.MailboxEvent `json:"events"`
}

type batchResult struct {
	Index int    `json:"index"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type batchResponse struct {
	Total   int           `json:"total"`
	Failed  int           `json:"failed"`
	Results []batchResult `json:"results"`
}

// dispatchEvents 批量分发事件：同一邮箱串行，不同邮箱并行
// POST /v1/events/batch
func (h *Handler) dispatchEvents(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err))
		return
	}
	if len(req.Events) == 0 {
		BadRequest(c, "事件列表不能为空")
		return
	}

	results := h.dispatcher.Dispatch(c.Request.Context(), req.Events)
	resp := batchResponse{Total: len(results), Results: make([]batchResult, 0, len(results))}
	for _, r := range results {
		br := batchResult{Index: r.Index, OK: r.Err == nil}
		if r.Err != nil {
			resp.Failed++
			br.Error = GetErrorMessage(r.Err) + ": " + r.Err.Error()
		}
		resp.Results = append(resp.Results, br)
	}
	Success(c, resp)
}

// getCounters GET /v1/mailboxes/:id/counters
func (h *Handler) getCounters(c *gin.Context) {
	mailboxID, err := mailboxParam(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	counters, err := h.reader.Counters(c.Request.Context(), mailboxID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, counters)
}

type uidListResponse struct {
	UIDs []domain.MessageUID `json:"uids"`
}

func uidList(uids []domain.MessageUID) uidListResponse {
	if uids == nil {
		uids = []domain.MessageUID{}
	}
	return uidListResponse{UIDs: uids}
}

// getRecent GET /v1/mailboxes/:id/recent
func (h *Handler) getRecent(c *gin.Context) {
	mailboxID, err := mailboxParam(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	uids, err := h.reader.Recent(c.Request.Context(), mailboxID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, uidList(uids))
}

// parseRange 解析 ?uid= 或 ?from=&to=，都缺省时为全部
func parseRange(c *gin.Context) (domain.MessageRange, error) {
	parse := func(name string) (domain.MessageUID, bool, error) {
		raw := c.Query(name)
		if raw == "" {
			return 0, false, nil
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("%w: %s=%q", domain.ErrInvalidRange, name, raw)
		}
		return domain.MessageUID(v), true, nil
	}

	uid, hasUID, err := parse("uid")
	if err != nil {
		return domain.MessageRange{}, err
	}
	from, hasFrom, err := parse("from")
	if err != nil {
		return domain.MessageRange{}, err
	}
	to, hasTo, err := parse("to")
	if err != nil {
		return domain.MessageRange{}, err
	}

	var r domain.MessageRange
	switch {
	case hasUID && (hasFrom || hasTo):
		return domain.MessageRange{}, fmt.Errorf("%w: uid cannot be combined with from/to", domain.ErrInvalidRange)
	case hasUID:
		r = domain.OneMessage(uid)
	case hasFrom && hasTo:
		r = domain.MessagesBetween(from, to)
	case hasFrom:
		r = domain.MessagesFrom(from)
	case hasTo:
		r = domain.MessagesBetween(1, to)
	default:
		r = domain.AllMessages()
	}
	return r, r.Validate()
}

// getDeleted GET /v1/mailboxes/:id/deleted
func (h *Handler) getDeleted(c *gin.Context) {
	mailboxID, err := mailboxParam(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	r, err := parseRange(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	uids, err := h.reader.Deleted(c.Request.Context(), mailboxID, r)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, uidList(uids))
}

type firstUnseenResponse struct {
	Found bool              `json:"found"`
	UID   domain.MessageUID `json:"uid,omitempty"`
}

// getFirstUnseen GET /v1/mailboxes/:id/first-unseen
func (h *Handler) getFirstUnseen(c *gin.Context) {
	mailboxID, err := mailboxParam(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	uid, found, err := h.reader.FirstUnseen(c.Request.Context(), mailboxID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, firstUnseenResponse{Found: found, UID: uid})
}

// getApplicableFlags GET /v1/mailboxes/:id/applicable-flags
func (h *Handler) getApplicableFlags(c *gin.Context) {
	mailboxID, err := mailboxParam(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	flags, err := h.reader.ApplicableFlags(c.Request.Context(), mailboxID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, flags)
}
