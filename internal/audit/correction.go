package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// CorrectionRequest 对历史日志的更正，原日志不会被修改
type CorrectionRequest struct {
	Reason          string  `json:"reason"`
	Description     *string `json:"description,omitempty"`
	OperationType   *string `json:"operationType,omitempty"`
	OperationModule *string `json:"operationModule,omitempty"`
	Status          *string `json:"status,omitempty"`
	ErrorMessage    *string `json:"errorMessage,omitempty"`
	ExecutionTimeMs *int64  `json:"executionTimeMs,omitempty"`
}

// correctionPayload 更正事件的 requestData
type correctionPayload struct {
	Reason  string            `json:"reason"`
	Changes CorrectionRequest `json:"changes"`
}

// CorrectionService 以补偿事件的方式更正日志
type CorrectionService struct {
	store EventStore
}

// NewCorrectionService 创建更正服务
func NewCorrectionService(store EventStore) *CorrectionService {
	return &CorrectionService{store: store}
}

// Correct 追加一条引用原日志的更正事件，仅管理员可用
func (s *CorrectionService) Correct(ctx context.Context, c Caller, originalID uint64, req CorrectionRequest) (*AuditEvent, error) {
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, validationError("reason", "更正原因不能为空")
	}
	original, err := s.store.Get(ctx, originalID)
	if err != nil {
		return nil, err
	}
	if original.CorrectsID != nil {
		return nil, validationError("id", "不能更正一条更正记录，请更正原日志")
	}

	// 先校验更正后的结果是否合法
	history, err := s.history(ctx, originalID)
	if err != nil {
		return nil, err
	}
	if _, err := applyCorrection(ApplyCorrections(original, history), req); err != nil {
		return nil, err
	}

	payload, err := marshalSnapshot("requestData", correctionPayload{Reason: req.Reason, Changes: req})
	if err != nil {
		return nil, err
	}
	id := originalID
	ev := &AuditEvent{
		ActorUsername:   optionalString(c.Username),
		ActorID:         optionalString(c.UserID),
		OperationType:   OpUpdate,
		OperationModule: ModuleOperationLog,
		Description:     fmt.Sprintf("更正操作日志 #%d：%s", originalID, req.Reason),
		RequestData:     payload,
		Status:          StatusSuccess,
		CorrectsID:      &id,
	}
	if _, err := s.store.Record(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *CorrectionService) history(ctx context.Context, originalID uint64) ([]*AuditEvent, error) {
	var out []*AuditEvent
	err := s.store.Each(ctx, Filter{CorrectsID: &originalID}, Sort{Field: "id", Order: SortAsc}, func(ev *AuditEvent) error {
		out = append(out, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Each 不返回快照，逐条补全
	for i, ev := range out {
		full, err := s.store.Get(ctx, ev.ID)
		if err != nil {
			return nil, err
		}
		out[i] = full
	}
	return out, nil
}

// Effective 返回应用全部更正后的日志视图（不落库）
func (s *CorrectionService) Effective(ctx context.Context, originalID uint64) (*AuditEvent, []*AuditEvent, error) {
	original, err := s.store.Get(ctx, originalID)
	if err != nil {
		return nil, nil, err
	}
	history, err := s.history(ctx, originalID)
	if err != nil {
		return nil, nil, err
	}
	return ApplyCorrections(original, history), history, nil
}

// ApplyCorrections 按顺序把更正事件叠加到原日志副本上
func ApplyCorrections(original *AuditEvent, corrections []*AuditEvent) *AuditEvent {
	cur := *original
	for _, c := range corrections {
		var p correctionPayload
		if err := json.Unmarshal(c.RequestData, &p); err != nil {
			continue
		}
		if next, err := applyCorrection(&cur, p.Changes); err == nil {
			cur = *next
		}
	}
	return &cur
}

func applyCorrection(base *AuditEvent, req CorrectionRequest) (*AuditEvent, error) {
	ev := *base
	if req.Description != nil {
		ev.Description = *req.Description
	}
	if req.OperationType != nil {
		op, ok := ParseOperationType(*req.OperationType)
		if !ok {
			return nil, validationError("operationType", fmt.Sprintf("未知操作类型 %q", *req.OperationType))
		}
		ev.OperationType = op
	}
	if req.OperationModule != nil {
		m, ok := ParseModule(*req.OperationModule)
		if !ok {
			return nil, validationError("operationModule", fmt.Sprintf("未知模块 %q", *req.OperationModule))
		}
		ev.OperationModule = m
	}
	if req.Status != nil {
		st, ok := ParseStatus(*req.Status)
		if !ok {
			return nil, validationError("status", fmt.Sprintf("未知状态 %q", *req.Status))
		}
		ev.Status = st
		if st != StatusFailure && req.ErrorMessage == nil {
			ev.ErrorMessage = nil
		}
	}
	if req.ErrorMessage != nil {
		ev.ErrorMessage = optionalString(*req.ErrorMessage)
	}
	if req.ExecutionTimeMs != nil {
		ev.ExecutionTimeMs = *req.ExecutionTimeMs
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// CorrectionDiff 以统一 diff 格式展示原日志与更正后视图的差异
func CorrectionDiff(original, corrected *AuditEvent) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(describeEvent(original)),
		B:        difflib.SplitLines(describeEvent(corrected)),
		FromFile: fmt.Sprintf("operation_log#%d", original.ID),
		ToFile:   fmt.Sprintf("operation_log#%d (corrected)", original.ID),
		Context:  1,
	}
	return difflib.GetUnifiedDiffString(diff)
}

func describeEvent(ev *AuditEvent) string {
	var b strings.Builder
	line := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteByte('\n')
	}
	line("actorUsername", ev.Username())
	line("operationType", string(ev.OperationType))
	line("operationModule", string(ev.OperationModule))
	line("description", ev.Description)
	line("ipAddress", ev.IPAddress)
	line("status", string(ev.Status))
	line("errorMessage", ev.ErrorText())
	line("executionTimeMs", strconv.FormatInt(ev.ExecutionTimeMs, 10))
	line("createdAt", ev.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000Z07:00"))
	return b.String()
}
