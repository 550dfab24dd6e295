package audit

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// anonymousActor 匿名操作在用户统计中的展示名
const anonymousActor = "anonymous"

// unknownLocation 地理位置不可用时的占位
const unknownLocation = "unknown"

// LocationResolver IP 归属地解析，实现方需自行控制超时
type LocationResolver interface {
	Locate(ctx context.Context, ip string) string
}

// StatisticsConfig 统计配置
type StatisticsConfig struct {
	DefaultWindowDays int           `mapstructure:"default_window_days"`
	MaxWindowDays     int           `mapstructure:"max_window_days"`
	Timezone          string        `mapstructure:"timezone"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	TopLimit          int           `mapstructure:"top_limit"`
}

// DateRange 统计时间范围，零值表示未指定
type DateRange struct {
	Start time.Time `json:"startDate"`
	End   time.Time `json:"endDate"`
}

// Overview 总览统计
type Overview struct {
	TotalLogs          int64     `json:"totalLogs"`
	TodayLogs          int64     `json:"todayLogs"`
	SuccessCount       int64     `json:"successCount"`
	FailureCount       int64     `json:"failureCount"`
	PendingCount       int64     `json:"pendingCount"`
	SuccessRate        float64   `json:"successRate"`
	FailureRate        float64   `json:"failureRate"`
	AvgExecutionTimeMs float64   `json:"avgExecutionTimeMs"`
	StartDate          time.Time `json:"startDate"`
	EndDate            time.Time `json:"endDate"`
}

// NameCount 按名称分组的统计
type NameCount struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Count       int64   `json:"count"`
	Percentage  float64 `json:"percentage"`
}

// UserActivity 用户统计
type UserActivity struct {
	Username     string     `json:"username"`
	Count        int64      `json:"count"`
	LastActivity *time.Time `json:"lastActivity"`
}

// IPActivity IP 统计
type IPActivity struct {
	IPAddress string `json:"ipAddress"`
	Count     int64  `json:"count"`
	Location  string `json:"location"`
}

// StatisticsService 操作日志统计，仅管理员可用
type StatisticsService struct {
	store    EventStore
	cfg      StatisticsConfig
	loc      *time.Location
	resolver LocationResolver
	cache    StatsCache
	now      func() time.Time
	logger   *zap.Logger
}

// StatisticsOption 统计服务配置项
type StatisticsOption func(*StatisticsService)

// WithLocationResolver 设置 IP 归属地解析
func WithLocationResolver(r LocationResolver) StatisticsOption {
	return func(s *StatisticsService) { s.resolver = r }
}

// WithStatsCache 设置统计缓存
func WithStatsCache(c StatsCache) StatisticsOption {
	return func(s *StatisticsService) { s.cache = c }
}

// WithStatisticsClock 设置时钟
func WithStatisticsClock(now func() time.Time) StatisticsOption {
	return func(s *StatisticsService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStatisticsLogger 设置日志
func WithStatisticsLogger(l *zap.Logger) StatisticsOption {
	return func(s *StatisticsService) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStatisticsService 创建统计服务
func NewStatisticsService(store EventStore, cfg StatisticsConfig, opts ...StatisticsOption) *StatisticsService {
	if cfg.DefaultWindowDays <= 0 {
		cfg.DefaultWindowDays = 90
	}
	if cfg.MaxWindowDays <= 0 {
		cfg.MaxWindowDays = 366
	}
	if cfg.TopLimit <= 0 {
		cfg.TopLimit = 10
	}
	s := &StatisticsService{
		store:  store,
		cfg:    cfg,
		loc:    time.UTC,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			s.logger.Warn("统计时区无效，使用 UTC", zap.String("timezone", cfg.Timezone), zap.Error(err))
		} else {
			s.loc = loc
		}
	}
	return s
}

// resolveRange 补齐默认范围并校验跨度
func (s *StatisticsService) resolveRange(r DateRange) (DateRange, error) {
	window := time.Duration(s.cfg.DefaultWindowDays) * 24 * time.Hour
	now := s.now()
	if s.cache != nil && s.cfg.CacheTTL > 0 {
		// 默认结束时间按缓存周期取整，同一周期内的请求命中同一缓存键
		now = now.Truncate(s.cfg.CacheTTL)
	}
	switch {
	case r.Start.IsZero() && r.End.IsZero():
		r.End = now
		r.Start = r.End.Add(-window)
	case r.End.IsZero():
		r.End = now
	case r.Start.IsZero():
		r.Start = r.End.Add(-window)
	}
	r.Start, r.End = r.Start.UTC(), r.End.UTC()
	if r.Start.After(r.End) {
		return r, validationError("startDate", "开始时间不能晚于结束时间")
	}
	if r.End.Sub(r.Start) > time.Duration(s.cfg.MaxWindowDays)*24*time.Hour {
		return r, validationError("endDate", "统计时间跨度超出上限")
	}
	return r, nil
}

func (r DateRange) filter() Filter {
	start, end := r.Start, r.End
	return Filter{StartTime: &start, EndTime: &end}
}

func (s *StatisticsService) prepare(c Caller, r DateRange) (DateRange, error) {
	if err := requireAdmin(c); err != nil {
		return r, err
	}
	return s.resolveRange(r)
}

// Overview 总览
func (s *StatisticsService) Overview(ctx context.Context, c Caller, r DateRange) (*Overview, error) {
	r, err := s.prepare(c, r)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "audit.Statistics.Overview")
	defer span.End()

	return cached(ctx, s, "overview", r, func() (*Overview, error) {
		sum, err := s.store.Summarize(ctx, r.filter())
		if err != nil {
			return nil, err
		}
		now := s.now().In(s.loc)
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
		todayRange := DateRange{Start: today.UTC(), End: now.UTC()}
		todaySum, err := s.store.Summarize(ctx, todayRange.filter())
		if err != nil {
			return nil, err
		}
		return &Overview{
			TotalLogs:          sum.Total,
			TodayLogs:          todaySum.Total,
			SuccessCount:       sum.Success,
			FailureCount:       sum.Failure,
			PendingCount:       sum.Pending,
			SuccessRate:        percentage(sum.Success, sum.Total),
			FailureRate:        percentage(sum.Failure, sum.Total),
			AvgExecutionTimeMs: round2(sum.AvgExecMs),
			StartDate:          r.Start,
			EndDate:            r.End,
		}, nil
	})
}

// ByOperation 按操作类型统计
func (s *StatisticsService) ByOperation(ctx context.Context, c Caller, r DateRange) ([]NameCount, error) {
	r, err := s.prepare(c, r)
	if err != nil {
		return nil, err
	}
	return cached(ctx, s, "operation", r, func() ([]NameCount, error) {
		return s.groupByName(ctx, r, GroupByOperation, func(k string) string {
			return GetOperationDescription(OperationType(k))
		})
	})
}

// ByModule 按模块统计
func (s *StatisticsService) ByModule(ctx context.Context, c Caller, r DateRange) ([]NameCount, error) {
	r, err := s.prepare(c, r)
	if err != nil {
		return nil, err
	}
	return cached(ctx, s, "module", r, func() ([]NameCount, error) {
		return s.groupByName(ctx, r, GroupByModule, func(k string) string {
			return GetModuleDescription(Module(k))
		})
	})
}

func (s *StatisticsService) groupByName(ctx context.Context, r DateRange, field GroupField, describe func(string) string) ([]NameCount, error) {
	groups, err := s.store.GroupCount(ctx, r.filter(), field, 0)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, g := range groups {
		total += g.Count
	}
	out := make([]NameCount, 0, len(groups))
	for _, g := range groups {
		out = append(out, NameCount{
			Name:        g.Key,
			Description: describe(g.Key),
			Count:       g.Count,
			Percentage:  percentage(g.Count, total),
		})
	}
	return out, nil
}

// ByUser 活跃用户排行
func (s *StatisticsService) ByUser(ctx context.Context, c Caller, r DateRange, limit int) ([]UserActivity, error) {
	r, err := s.prepare(c, r)
	if err != nil {
		return nil, err
	}
	limit = s.limit(limit)
	type params struct {
		DateRange
		Limit int
	}
	return cached(ctx, s, "user", params{r, limit}, func() ([]UserActivity, error) {
		groups, err := s.store.GroupCount(ctx, r.filter(), GroupByUser, limit)
		if err != nil {
			return nil, err
		}
		out := make([]UserActivity, 0, len(groups))
		for _, g := range groups {
			f := r.filter()
			name := g.Key
			if g.Key == "" {
				f.Anonymous = true
				name = anonymousActor
			} else {
				f.ActorUsername = g.Key
			}
			item := UserActivity{Username: name, Count: g.Count}
			latest, err := s.store.Latest(ctx, f)
			if err != nil {
				return nil, err
			}
			if latest != nil {
				t := latest.CreatedAt.UTC()
				item.LastActivity = &t
			}
			out = append(out, item)
		}
		return out, nil
	})
}

// ByIP IP 排行，归属地解析失败时为 unknown
func (s *StatisticsService) ByIP(ctx context.Context, c Caller, r DateRange, limit int) ([]IPActivity, error) {
	r, err := s.prepare(c, r)
	if err != nil {
		return nil, err
	}
	limit = s.limit(limit)
	type params struct {
		DateRange
		Limit int
	}
	return cached(ctx, s, "ip", params{r, limit}, func() ([]IPActivity, error) {
		groups, err := s.store.GroupCount(ctx, r.filter(), GroupByIP, limit)
		if err != nil {
			return nil, err
		}
		out := make([]IPActivity, 0, len(groups))
		for _, g := range groups {
			out = append(out, IPActivity{
				IPAddress: g.Key,
				Count:     g.Count,
				Location:  s.locate(ctx, g.Key),
			})
		}
		return out, nil
	})
}

func (s *StatisticsService) locate(ctx context.Context, ip string) string {
	if s.resolver == nil || ip == "" {
		return unknownLocation
	}
	if loc := s.resolver.Locate(ctx, ip); loc != "" {
		return loc
	}
	return unknownLocation
}

func (s *StatisticsService) limit(n int) int {
	if n <= 0 {
		return s.cfg.TopLimit
	}
	if n > maxScanPageSize {
		return maxScanPageSize
	}
	return n
}

func percentage(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return round2(float64(part) / float64(total) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
