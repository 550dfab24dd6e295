package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EventStore 追加写入的操作日志存储
type EventStore interface {
	// Record 原子写入一条事件并返回分配的 ID
	Record(ctx context.Context, ev *AuditEvent) (uint64, error)
	// Get 按 ID 读取完整事件（含请求/响应快照）
	Get(ctx context.Context, id uint64) (*AuditEvent, error)
	// Scan 过滤、排序、分页查询（不含快照）
	Scan(ctx context.Context, req ScanRequest) (*ScanResult, error)
	// Each 在同一读事务内流式遍历匹配事件，fn 内不得再调用存储
	Each(ctx context.Context, f Filter, s Sort, fn func(*AuditEvent) error) error
	// Summarize 统计总数、各状态数量与平均耗时
	Summarize(ctx context.Context, f Filter) (*Summary, error)
	// GroupCount 按字段分组计数，按数量倒序
	GroupCount(ctx context.Context, f Filter, field GroupField, limit int) ([]GroupCount, error)
	// Latest 返回最新一条匹配事件，不存在时返回 nil
	Latest(ctx context.Context, f Filter) (*AuditEvent, error)
	// Delete 批量删除，visit 非空时先分批回调匹配行，回调出错则整体回滚
	Delete(ctx context.Context, f Filter, visit *DeleteVisitor) (int64, error)
	// Generation 当前删除代数
	Generation(ctx context.Context) (int64, error)
}

// GroupField 可分组字段
type GroupField string

const (
	GroupByOperation GroupField = "operation_type"
	GroupByModule    GroupField = "operation_module"
	GroupByUser      GroupField = "actor_username"
	GroupByIP        GroupField = "ip_address"
	GroupByStatus    GroupField = "status"
)

// GroupCount 分组计数结果
type GroupCount struct {
	Key   string
	Count int64
}

// Summary 汇总计数
type Summary struct {
	Total     int64
	Success   int64
	Failure   int64
	Pending   int64
	AvgExecMs float64
}

const (
	defaultScanPageSize = 20
	maxScanPageSize     = 1000
	deleteBatchSize     = 500
	stateRowID          = 1
)

// 列表视图字段，不含请求/响应快照
var listColumns = []string{
	"id", "actor_username", "actor_id", "operation_type", "operation_module", "module_tag",
	"description", "ip_address", "user_agent", "status", "error_message",
	"execution_time_ms", "corrects_id", "checksum", "created_at",
}

// GormStore 基于 GORM 的 EventStore 实现（PostgreSQL / SQLite）
type GormStore struct {
	db               *gorm.DB
	logger           *zap.Logger
	now              func() time.Time
	maxSnapshotBytes int
}

// StoreOption 存储配置项
type StoreOption func(*GormStore)

// WithStoreLogger 设置日志
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *GormStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStoreClock 设置时钟（测试使用）
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *GormStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxSnapshotBytes 设置快照大小上限
func WithMaxSnapshotBytes(n int) StoreOption {
	return func(s *GormStore) { s.maxSnapshotBytes = n }
}

// NewGormStore 创建存储
func NewGormStore(db *gorm.DB, opts ...StoreOption) *GormStore {
	s := &GormStore{
		db:               db,
		logger:           zap.NewNop(),
		now:              time.Now,
		maxSnapshotBytes: 64 * 1024,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate 建表、建索引并初始化元数据行
func (s *GormStore) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&AuditEvent{}, &storeState{}); err != nil {
		return storageError("迁移操作日志表失败", err)
	}
	if err := db.FirstOrCreate(&storeState{ID: stateRowID}, storeState{ID: stateRowID}).Error; err != nil {
		return storageError("初始化存储元数据失败", err)
	}
	return nil
}

// Record 写入事件
func (s *GormStore) Record(ctx context.Context, ev *AuditEvent) (uint64, error) {
	if ev == nil {
		return 0, validationError("event", "事件不能为空")
	}
	if ev.ID != 0 {
		return 0, validationError("id", "ID 由存储分配，不可预设")
	}
	if err := ev.validate(); err != nil {
		return 0, err
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	ev.CreatedAt = ev.CreatedAt.UTC().Truncate(time.Microsecond)
	var err error
	if ev.RequestData, err = compactSnapshot("requestData", ev.RequestData); err != nil {
		return 0, err
	}
	if ev.ResponseData, err = compactSnapshot("responseData", ev.ResponseData); err != nil {
		return 0, err
	}
	ev.RequestData = boundSnapshot(ev.RequestData, s.maxSnapshotBytes)
	ev.ResponseData = boundSnapshot(ev.ResponseData, s.maxSnapshotBytes)
	ev.Checksum = computeChecksum(ev)

	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		s.logger.Error("写入操作日志失败",
			zap.String("operation", string(ev.OperationType)),
			zap.String("module", string(ev.OperationModule)),
			zap.Error(err),
		)
		ev.ID = 0
		return 0, storageError("写入操作日志失败", err)
	}
	return ev.ID, nil
}

// Get 读取单条事件
func (s *GormStore) Get(ctx context.Context, id uint64) (*AuditEvent, error) {
	if id == 0 {
		return nil, validationError("id", "ID 必须为正整数")
	}
	var ev AuditEvent
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundError("操作日志不存在")
	}
	if err != nil {
		return nil, storageError("读取操作日志失败", err)
	}
	return &ev, nil
}

// Scan 快照分页查询
func (s *GormStore) Scan(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	if err := req.Filter.Validate(); err != nil {
		return nil, err
	}
	sort, err := req.Sort.normalize()
	if err != nil {
		return nil, err
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultScanPageSize
	}
	if pageSize > maxScanPageSize {
		pageSize = maxScanPageSize
	}
	fp := queryFingerprint(req.Filter, sort)

	var tok *pageToken
	if req.PageToken != "" {
		t, err := decodePageToken(req.PageToken)
		if err != nil {
			return nil, err
		}
		if t.Fingerprint != fp {
			return nil, validationError("pageToken", "分页令牌与查询条件不匹配")
		}
		tok = &t
		pageSize = t.PageSize
	}

	result := &ScanResult{PageSize: pageSize}
	err = s.readTx(ctx, func(tx *gorm.DB) error {
		gen, err := s.generationTx(tx)
		if err != nil {
			return err
		}
		var watermark uint64
		offset := 0
		if tok != nil {
			if tok.Generation != gen {
				return &Error{Kind: KindSnapshotExpired, Message: "数据已被清理，请重新查询"}
			}
			watermark = tok.Watermark
			offset = tok.Offset
		} else {
			if watermark, err = maxEventID(tx); err != nil {
				return err
			}
			page := req.Page
			if page < 1 {
				page = 1
			}
			offset = (page - 1) * pageSize
		}

		base := func() *gorm.DB {
			return req.Filter.apply(tx.Model(&AuditEvent{})).Where("id <= ?", watermark)
		}
		if err := base().Count(&result.Total).Error; err != nil {
			return err
		}
		// postgres 序列号在提交前分配，晚提交的事务可能在水位线以下补入新行，
		// 总数变化说明偏移已不可靠
		if tok != nil && result.Total != tok.Total {
			return &Error{Kind: KindSnapshotExpired, Message: "数据已变化，请重新查询"}
		}
		var events []*AuditEvent
		if int64(offset) < result.Total {
			q := sort.apply(base().Select(listColumns)).Offset(offset).Limit(pageSize)
			if err := q.Find(&events).Error; err != nil {
				return err
			}
		}
		result.Events = events
		result.Page = offset/pageSize + 1
		if next := offset + len(events); int64(next) < result.Total && len(events) > 0 {
			result.NextPageToken = encodePageToken(pageToken{
				Generation:  gen,
				Watermark:   watermark,
				Offset:      next,
				PageSize:    pageSize,
				Fingerprint: fp,
				Total:       result.Total,
			})
		}
		return nil
	})
	if err != nil {
		return nil, asStorageError("查询操作日志失败", err)
	}
	if result.Events == nil {
		result.Events = []*AuditEvent{}
	}
	return result, nil
}

// Each 流式遍历
func (s *GormStore) Each(ctx context.Context, f Filter, srt Sort, fn func(*AuditEvent) error) error {
	if err := f.Validate(); err != nil {
		return err
	}
	sort, err := srt.normalize()
	if err != nil {
		return err
	}
	err = s.readTx(ctx, func(tx *gorm.DB) error {
		rows, err := sort.apply(f.apply(tx.Model(&AuditEvent{}).Select(listColumns))).Rows()
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ev AuditEvent
			if err := tx.ScanRows(rows, &ev); err != nil {
				return err
			}
			if err := fn(&ev); err != nil {
				return &callbackError{err: err}
			}
		}
		return rows.Err()
	})
	var cbErr *callbackError
	if errors.As(err, &cbErr) {
		return cbErr.err
	}
	if err != nil {
		return asStorageError("遍历操作日志失败", err)
	}
	return nil
}

// Summarize 汇总计数
func (s *GormStore) Summarize(ctx context.Context, f Filter) (*Summary, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var (
		total, success, failure, pending sql.NullInt64
		avg                              sql.NullFloat64
	)
	row := f.apply(s.db.WithContext(ctx).Model(&AuditEvent{})).Select(
		"COUNT(*), "+
			"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), "+
			"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), "+
			"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), "+
			"AVG(execution_time_ms)",
		StatusSuccess, StatusFailure, StatusPending,
	).Row()
	if err := row.Scan(&total, &success, &failure, &pending, &avg); err != nil {
		return nil, storageError("统计操作日志失败", err)
	}
	return &Summary{
		Total:     total.Int64,
		Success:   success.Int64,
		Failure:   failure.Int64,
		Pending:   pending.Int64,
		AvgExecMs: avg.Float64,
	}, nil
}

// GroupCount 分组计数
func (s *GormStore) GroupCount(ctx context.Context, f Filter, field GroupField, limit int) ([]GroupCount, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	switch field {
	case GroupByOperation, GroupByModule, GroupByUser, GroupByIP, GroupByStatus:
	default:
		return nil, validationError("groupBy", "不支持的分组字段")
	}
	col := string(field)
	var rows []struct {
		GroupKey sql.NullString
		Total    int64
	}
	q := f.apply(s.db.WithContext(ctx).Model(&AuditEvent{})).
		Select(col + " AS group_key, COUNT(*) AS total").
		Group(col).
		Order("total DESC").
		Order(col + " ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, storageError("分组统计失败", err)
	}
	out := make([]GroupCount, 0, len(rows))
	for _, r := range rows {
		out = append(out, GroupCount{Key: r.GroupKey.String, Count: r.Total})
	}
	return out, nil
}

// Latest 最新一条匹配事件
func (s *GormStore) Latest(ctx context.Context, f Filter) (*AuditEvent, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var ev AuditEvent
	err := DefaultSort.apply(f.apply(s.db.WithContext(ctx).Model(&AuditEvent{}).Select(listColumns))).
		Limit(1).Take(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError("读取最新操作日志失败", err)
	}
	return &ev, nil
}

// DeleteVisitor 删除事务内的回调，任一回调出错整个删除回滚
type DeleteVisitor struct {
	// Batch 删除前分批接收匹配的完整行
	Batch func([]*AuditEvent) error
	// BeforeCommit 删除语句执行后、事务提交前调用
	BeforeCommit func(deleted int64) error
}

// Delete 单事务批量删除，成功删除时递增删除代数
func (s *GormStore) Delete(ctx context.Context, f Filter, visit *DeleteVisitor) (int64, error) {
	if f.IsEmpty() {
		return 0, validationError("filter", "批量删除必须指定过滤条件")
	}
	if err := f.Validate(); err != nil {
		return 0, err
	}
	var deleted int64
	err := s.writeTx(ctx, func(tx *gorm.DB) error {
		watermark, err := maxEventID(tx)
		if err != nil {
			return err
		}
		if visit != nil && visit.Batch != nil {
			var batch []*AuditEvent
			res := f.apply(tx.Model(&AuditEvent{})).Where("id <= ?", watermark).
				FindInBatches(&batch, deleteBatchSize, func(_ *gorm.DB, _ int) error {
					if err := visit.Batch(batch); err != nil {
						return &callbackError{err: err}
					}
					return nil
				})
			if res.Error != nil {
				return res.Error
			}
		}
		res := f.apply(tx).Where("id <= ?", watermark).Delete(&AuditEvent{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		if visit != nil && visit.BeforeCommit != nil {
			if err := visit.BeforeCommit(deleted); err != nil {
				return &callbackError{err: err}
			}
		}
		if deleted == 0 {
			return nil
		}
		return tx.Model(&storeState{}).Where("id = ?", stateRowID).
			UpdateColumn("generation", gorm.Expr("generation + ?", 1)).Error
	})
	var cbErr *callbackError
	if errors.As(err, &cbErr) {
		return 0, cbErr.err
	}
	if err != nil {
		return 0, asStorageError("删除操作日志失败", err)
	}
	if deleted > 0 {
		s.logger.Info("操作日志已删除", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

// Generation 当前删除代数
func (s *GormStore) Generation(ctx context.Context) (int64, error) {
	gen, err := s.generationTx(s.db.WithContext(ctx))
	if err != nil {
		return 0, asStorageError("读取存储元数据失败", err)
	}
	return gen, nil
}

func (s *GormStore) generationTx(tx *gorm.DB) (int64, error) {
	var st storeState
	err := tx.Where("id = ?", stateRowID).Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return st.Generation, err
}

// readTx 只读事务；PostgreSQL 使用可重复读保证同一快照
func (s *GormStore) readTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	db := s.db.WithContext(ctx)
	if db.Dialector.Name() == "postgres" {
		return db.Transaction(fn, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	}
	return db.Transaction(fn)
}

// writeTx 删除事务，postgres 下回调与删除共享同一快照，归档内容与删除行一致
func (s *GormStore) writeTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	db := s.db.WithContext(ctx)
	if db.Dialector.Name() == "postgres" {
		return db.Transaction(fn, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	}
	return db.Transaction(fn)
}

func maxEventID(tx *gorm.DB) (uint64, error) {
	var max sql.NullInt64
	if err := tx.Model(&AuditEvent{}).Select("MAX(id)").Row().Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid || max.Int64 < 0 {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

// callbackError 区分调用方回调错误与存储错误
type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

func asStorageError(op string, err error) error {
	if KindOf(err) != "" {
		return err
	}
	return storageError(op, err)
}
