package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditEvent 操作日志（写入后不可变）
type AuditEvent struct {
	ID              uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	ActorUsername   *string        `gorm:"size:100;index:idx_oplog_actor_created,priority:1" json:"actorUsername"`
	ActorID         *string        `gorm:"size:64" json:"actorId"`
	OperationType   OperationType  `gorm:"size:20;not null;index:idx_oplog_type_created,priority:1" json:"operationType"`
	OperationModule Module         `gorm:"size:50;not null;index:idx_oplog_module_created,priority:1" json:"operationModule"`
	ModuleTag       string         `gorm:"size:100" json:"moduleTag,omitempty"`
	Description     string         `gorm:"type:text" json:"description"`
	IPAddress       string         `gorm:"size:64;index:idx_oplog_ip_created,priority:1" json:"ipAddress"`
	UserAgent       string         `gorm:"type:text" json:"userAgent"`
	RequestData     datatypes.JSON `gorm:"type:json" json:"requestData,omitempty"`
	ResponseData    datatypes.JSON `gorm:"type:json" json:"responseData,omitempty"`
	Status          Status         `gorm:"size:10;not null;index:idx_oplog_status_created,priority:1" json:"status"`
	ErrorMessage    *string        `gorm:"type:text" json:"errorMessage"`
	ExecutionTimeMs int64          `gorm:"not null;default:0" json:"executionTimeMs"`
	CorrectsID      *uint64        `gorm:"index" json:"correctsId,omitempty"`
	Checksum        string         `gorm:"size:64" json:"checksum"`
	CreatedAt       time.Time      `gorm:"not null;index:idx_oplog_created;index:idx_oplog_actor_created,priority:2;index:idx_oplog_type_created,priority:2;index:idx_oplog_module_created,priority:2;index:idx_oplog_status_created,priority:2;index:idx_oplog_ip_created,priority:2" json:"createdAt"`
}

// TableName 指定表名
func (AuditEvent) TableName() string {
	return "operation_logs"
}

// BeforeUpdate GORM 钩子：禁止原地修改
func (e *AuditEvent) BeforeUpdate(tx *gorm.DB) error {
	return ErrImmutable
}

// Username 返回操作人用户名，匿名返回空串
func (e *AuditEvent) Username() string {
	if e.ActorUsername == nil {
		return ""
	}
	return *e.ActorUsername
}

// ErrorText 返回错误信息，非失败事件返回空串
func (e *AuditEvent) ErrorText() string {
	if e.ErrorMessage == nil {
		return ""
	}
	return *e.ErrorMessage
}

// storeState 存储元数据，目前只记录删除代数
type storeState struct {
	ID         uint  `gorm:"primaryKey"`
	Generation int64 `gorm:"not null;default:0"`
}

func (storeState) TableName() string {
	return "operation_log_states"
}

// NewEvent 便捷构造写入事件，字符串字段在写入时映射为枚举
type NewEvent struct {
	ActorUsername   string
	ActorID         string
	OperationType   string
	OperationModule string
	Description     string
	IPAddress       string
	UserAgent       string
	RequestData     any
	ResponseData    any
	Status          string
	ErrorMessage    string
	ExecutionTimeMs int64
	CreatedAt       time.Time
}

// Build 将协作方传入的松散字段转换为 AuditEvent
func (n NewEvent) Build() (*AuditEvent, error) {
	status := StatusSuccess
	if n.Status != "" {
		s, ok := ParseStatus(n.Status)
		if !ok {
			return nil, validationError("status", fmt.Sprintf("未知状态 %q", n.Status))
		}
		status = s
	}
	ev := &AuditEvent{
		ActorUsername:   optionalString(n.ActorUsername),
		ActorID:         optionalString(n.ActorID),
		OperationType:   NormalizeOperationType(n.OperationType),
		OperationModule: NormalizeModule(n.OperationModule),
		ModuleTag:       strings.TrimSpace(n.OperationModule),
		Description:     n.Description,
		IPAddress:       strings.TrimSpace(n.IPAddress),
		UserAgent:       n.UserAgent,
		Status:          status,
		ErrorMessage:    optionalString(n.ErrorMessage),
		ExecutionTimeMs: n.ExecutionTimeMs,
		CreatedAt:       n.CreatedAt,
	}
	var err error
	if ev.RequestData, err = marshalSnapshot("requestData", n.RequestData); err != nil {
		return nil, err
	}
	if ev.ResponseData, err = marshalSnapshot("responseData", n.ResponseData); err != nil {
		return nil, err
	}
	return ev, nil
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func marshalSnapshot(field string, v any) (datatypes.JSON, error) {
	switch data := v.(type) {
	case nil:
		return nil, nil
	case datatypes.JSON:
		return data, nil
	case json.RawMessage:
		return datatypes.JSON(data), nil
	case []byte:
		if !json.Valid(data) {
			return nil, validationError(field, "快照必须为合法 JSON")
		}
		return datatypes.JSON(data), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, validationError(field, "快照序列化失败: "+err.Error())
		}
		return datatypes.JSON(b), nil
	}
}

// validate 校验写入事件并补齐枚举默认值
func (e *AuditEvent) validate() error {
	if e.OperationType == "" {
		e.OperationType = OpOther
	} else if op, ok := ParseOperationType(string(e.OperationType)); ok {
		e.OperationType = op
	} else {
		e.OperationType = OpOther
	}
	if e.OperationModule == "" {
		e.OperationModule = ModuleOther
	} else if m, ok := ParseModule(string(e.OperationModule)); ok {
		e.OperationModule = m
	} else {
		if e.ModuleTag == "" {
			e.ModuleTag = string(e.OperationModule)
		}
		e.OperationModule = ModuleOther
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	if _, ok := ParseStatus(string(e.Status)); !ok {
		return validationError("status", fmt.Sprintf("未知状态 %q", e.Status))
	}
	if e.ExecutionTimeMs < 0 {
		return validationError("executionTimeMs", "执行耗时不能为负数")
	}
	hasError := e.ErrorMessage != nil && strings.TrimSpace(*e.ErrorMessage) != ""
	if e.Status == StatusFailure && !hasError {
		return validationError("errorMessage", "失败状态必须包含错误信息")
	}
	if e.Status != StatusFailure && hasError {
		return validationError("errorMessage", "仅失败状态允许包含错误信息")
	}
	if !hasError {
		e.ErrorMessage = nil
	}
	if e.ActorUsername != nil && strings.TrimSpace(*e.ActorUsername) == "" {
		e.ActorUsername = nil
	}
	return nil
}

// compactSnapshot 去除快照中的空白，保证序列化前后字节一致
func compactSnapshot(field string, data datatypes.JSON) (datatypes.JSON, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, validationError(field, "快照必须为合法 JSON")
	}
	return datatypes.JSON(buf.Bytes()), nil
}

// boundSnapshot 超出上限的快照替换为截断摘要，保证仍为合法 JSON
func boundSnapshot(data datatypes.JSON, maxBytes int) datatypes.JSON {
	if len(data) == 0 || maxBytes <= 0 || len(data) <= maxBytes {
		return data
	}
	previewLen := maxBytes / 2
	if previewLen > 512 {
		previewLen = 512
	}
	preview := string(data[:previewLen])
	for !utf8.ValidString(preview) && len(preview) > 0 {
		preview = preview[:len(preview)-1]
	}
	b, _ := json.Marshal(map[string]any{
		"truncated": true,
		"size":      len(data),
		"preview":   preview,
	})
	return datatypes.JSON(b)
}
