package audit

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Filter 查询条件，各字段之间为 AND 关系，零值字段不参与过滤
type Filter struct {
	OperationType OperationType `json:"operationType,omitempty"`
	Module        Module        `json:"module,omitempty"`
	ActorUsername string        `json:"username,omitempty"`
	IPAddress     string        `json:"ipAddress,omitempty"`
	Status        Status        `json:"status,omitempty"`
	StartTime     *time.Time    `json:"startTime,omitempty"`     // 含
	EndTime       *time.Time    `json:"endTime,omitempty"`       // 含
	CreatedBefore *time.Time    `json:"createdBefore,omitempty"` // 不含，留存清理使用
	Keyword       string        `json:"keyword,omitempty"`
	CorrectsID    *uint64       `json:"correctsId,omitempty"`
	Anonymous     bool          `json:"anonymous,omitempty"` // 仅匿名操作

	// scopeUsername 服务端强制的自身范围，与 ActorUsername 取交集
	scopeUsername string
}

// IsEmpty 条件是否为空
func (f Filter) IsEmpty() bool {
	return f.OperationType == "" && f.Module == "" && f.ActorUsername == "" &&
		f.IPAddress == "" && f.Status == "" && f.StartTime == nil && f.EndTime == nil &&
		f.CreatedBefore == nil && strings.TrimSpace(f.Keyword) == "" && f.CorrectsID == nil &&
		!f.Anonymous && f.scopeUsername == ""
}

// ScopedTo 返回限定到指定用户的副本
func (f Filter) ScopedTo(username string) Filter {
	f.scopeUsername = username
	return f
}

// Validate 校验时间范围
func (f Filter) Validate() error {
	if f.StartTime != nil && f.EndTime != nil && f.StartTime.After(*f.EndTime) {
		return validationError("startDate", "开始时间不能晚于结束时间")
	}
	return nil
}

// apply 将条件追加到查询
func (f Filter) apply(db *gorm.DB) *gorm.DB {
	if f.OperationType != "" {
		db = db.Where("operation_type = ?", f.OperationType)
	}
	if f.Module != "" {
		db = db.Where("operation_module = ?", f.Module)
	}
	if f.ActorUsername != "" {
		db = db.Where("actor_username = ?", f.ActorUsername)
	}
	if f.Anonymous {
		db = db.Where("actor_username IS NULL")
	}
	if f.scopeUsername != "" {
		db = db.Where("actor_username = ?", f.scopeUsername)
	}
	if f.IPAddress != "" {
		db = db.Where("ip_address = ?", f.IPAddress)
	}
	if f.Status != "" {
		db = db.Where("status = ?", f.Status)
	}
	if f.StartTime != nil {
		db = db.Where("created_at >= ?", f.StartTime.UTC())
	}
	if f.EndTime != nil {
		db = db.Where("created_at <= ?", f.EndTime.UTC())
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", f.CreatedBefore.UTC())
	}
	if f.CorrectsID != nil {
		db = db.Where("corrects_id = ?", *f.CorrectsID)
	}
	if kw := strings.TrimSpace(f.Keyword); kw != "" {
		pattern := "%" + escapeLike(strings.ToLower(kw)) + "%"
		db = db.Where(
			"(LOWER(description) LIKE ? ESCAPE '\\' OR LOWER(operation_module) LIKE ? ESCAPE '\\' OR LOWER(module_tag) LIKE ? ESCAPE '\\' OR LOWER(operation_type) LIKE ? ESCAPE '\\')",
			pattern, pattern, pattern, pattern,
		)
	}
	return db
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// SortOrder 排序方向
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Sort 排序条件
type Sort struct {
	Field string    `json:"sortBy,omitempty"`
	Order SortOrder `json:"sortOrder,omitempty"`
}

// 允许排序的字段白名单
var sortColumns = map[string]string{
	"createdAt":       "created_at",
	"created_at":      "created_at",
	"id":              "id",
	"operationType":   "operation_type",
	"operation":       "operation_type",
	"operationModule": "operation_module",
	"module":          "operation_module",
	"actorUsername":   "actor_username",
	"username":        "actor_username",
	"status":          "status",
	"ipAddress":       "ip_address",
	"executionTimeMs": "execution_time_ms",
	"executionTime":   "execution_time_ms",
}

// DefaultSort 默认按创建时间倒序
var DefaultSort = Sort{Field: "createdAt", Order: SortDesc}

// normalize 补齐默认值并校验字段
func (s Sort) normalize() (Sort, error) {
	if s.Field == "" {
		s.Field = DefaultSort.Field
	}
	if _, ok := sortColumns[s.Field]; !ok {
		return s, validationError("sortBy", fmt.Sprintf("不支持的排序字段 %q", s.Field))
	}
	switch SortOrder(strings.ToLower(string(s.Order))) {
	case SortAsc:
		s.Order = SortAsc
	case SortDesc, "":
		s.Order = SortDesc
	default:
		return s, validationError("sortOrder", fmt.Sprintf("不支持的排序方向 %q", s.Order))
	}
	return s, nil
}

// apply 追加排序，始终以 created_at、id 作为同向次级排序保证顺序确定
func (s Sort) apply(db *gorm.DB) *gorm.DB {
	col := sortColumns[s.Field]
	dir := strings.ToUpper(string(s.Order))
	db = db.Order(col + " " + dir)
	if col != "created_at" && col != "id" {
		db = db.Order("created_at " + dir)
	}
	if col != "id" {
		db = db.Order("id " + dir)
	}
	return db
}

// ScanRequest 扫描请求
type ScanRequest struct {
	Filter    Filter
	Sort      Sort
	Page      int    // 从 1 开始，PageToken 存在时忽略
	PageSize  int
	PageToken string // 游标分页令牌
}

// ScanResult 扫描结果
type ScanResult struct {
	Events        []*AuditEvent
	Total         int64
	Page          int
	PageSize      int
	NextPageToken string
}
