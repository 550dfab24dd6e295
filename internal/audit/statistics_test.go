package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeLocator 固定的 IP 归属地
type fakeLocator map[string]string

func (f fakeLocator) Locate(_ context.Context, ip string) string { return f[ip] }

// memoryCache 内存统计缓存
type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
	hits int
	err  error
}

func newMemoryCache() *memoryCache { return &memoryCache{data: make(map[string][]byte)} }

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, false, c.err
	}
	b, ok := c.data[key]
	if ok {
		c.hits++
	}
	return b, ok, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.data[key] = value
	return nil
}

// seedInTx 在单个事务内批量写入
func seedInTx(t *testing.T, s *GormStore, evs []*AuditEvent) {
	t.Helper()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		ts := NewGormStore(tx)
		for _, ev := range evs {
			if _, err := ts.Record(context.Background(), ev); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestStatisticsService_Permission(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s, newEvent("alice", OpCreate, StatusSuccess, baseTime))
	stats := NewStatisticsService(s, StatisticsConfig{}, WithStatisticsClock(fixedClock(baseTime)))

	for _, c := range []Caller{viewerCaller, aliceCaller, nobodyCaller} {
		overview, err := stats.Overview(ctx, c, DateRange{})
		assert.True(t, errors.Is(err, ErrPermissionDenied), c.Username)
		assert.Nil(t, overview)

		trend, err := stats.Trend(ctx, c, DateRange{}, GranularityDay)
		assert.True(t, errors.Is(err, ErrPermissionDenied))
		assert.Nil(t, trend)

		users, err := stats.ByUser(ctx, c, DateRange{}, 0)
		assert.True(t, errors.Is(err, ErrPermissionDenied))
		assert.Nil(t, users)
	}
}

func TestStatisticsService_Overview(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := baseTime.Add(3 * time.Hour)

	yesterday := newEvent("alice", OpCreate, StatusSuccess, baseTime.Add(-24*time.Hour))
	yesterday.ExecutionTimeMs = 100
	failed := newEvent("bob", OpDelete, StatusFailure, baseTime)
	failed.ExecutionTimeMs = 50
	pending := newEvent("bob", OpImport, StatusPending, baseTime.Add(time.Hour))
	seed(t, s, yesterday, failed, pending)

	stats := NewStatisticsService(s, StatisticsConfig{}, WithStatisticsClock(fixedClock(now)))

	t.Run("默认窗口", func(t *testing.T) {
		o, err := stats.Overview(ctx, adminCaller, DateRange{})
		require.NoError(t, err)
		assert.Equal(t, int64(3), o.TotalLogs)
		assert.Equal(t, int64(2), o.TodayLogs)
		assert.Equal(t, int64(1), o.SuccessCount)
		assert.Equal(t, int64(1), o.FailureCount)
		assert.Equal(t, int64(1), o.PendingCount)
		assert.Equal(t, 33.33, o.SuccessRate)
		assert.Equal(t, 33.33, o.FailureRate)
		assert.LessOrEqual(t, o.SuccessRate+o.FailureRate, 100.0)
		assert.Equal(t, 50.0, o.AvgExecutionTimeMs)
		assert.True(t, o.EndDate.Equal(now))
		assert.True(t, o.StartDate.Equal(now.AddDate(0, 0, -90)))
	})

	t.Run("空范围比率为零", func(t *testing.T) {
		o, err := stats.Overview(ctx, adminCaller, DateRange{Start: now.AddDate(-1, 0, 0), End: now.AddDate(-1, 0, 1)})
		require.NoError(t, err)
		assert.Zero(t, o.TotalLogs)
		assert.Zero(t, o.SuccessRate)
		assert.Zero(t, o.FailureRate)
	})

	t.Run("范围校验", func(t *testing.T) {
		_, err := stats.Overview(ctx, adminCaller, DateRange{Start: now, End: now.Add(-time.Hour)})
		assert.Equal(t, KindValidation, KindOf(err))
		_, err = stats.Overview(ctx, adminCaller, DateRange{Start: now.AddDate(-2, 0, 0), End: now})
		assert.Equal(t, KindValidation, KindOf(err))
	})
}

func TestStatisticsService_Groups(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a1 := newEvent("alice", OpCreate, StatusSuccess, baseTime)
	a1.IPAddress = "8.8.8.8"
	a2 := newEvent("alice", OpCreate, StatusSuccess, baseTime.Add(time.Minute))
	a2.IPAddress = "8.8.8.8"
	a2.OperationModule = ModuleFee
	b := newEvent("bob", OpDelete, StatusSuccess, baseTime.Add(2*time.Minute))
	b.IPAddress = "1.1.1.1"
	anon := newEvent("", OpLogin, StatusFailure, baseTime.Add(3*time.Minute))
	anon.IPAddress = "203.0.113.7"
	seed(t, s, a1, a2, b, anon)

	stats := NewStatisticsService(s, StatisticsConfig{},
		WithStatisticsClock(fixedClock(baseTime.Add(time.Hour))),
		WithLocationResolver(fakeLocator{"8.8.8.8": "美国"}),
	)
	r := DateRange{Start: baseTime.Add(-time.Hour), End: baseTime.Add(time.Hour)}

	t.Run("按操作类型", func(t *testing.T) {
		groups, err := stats.ByOperation(ctx, adminCaller, r)
		require.NoError(t, err)
		require.Len(t, groups, 3)
		assert.Equal(t, NameCount{Name: "CREATE", Description: "新增", Count: 2, Percentage: 50}, groups[0])
		var sum float64
		for _, g := range groups {
			sum += g.Percentage
		}
		assert.InDelta(t, 100, sum, 0.01)
	})

	t.Run("按模块", func(t *testing.T) {
		groups, err := stats.ByModule(ctx, adminCaller, r)
		require.NoError(t, err)
		require.Len(t, groups, 2)
		assert.Equal(t, string(ModuleUser), groups[0].Name)
		assert.Equal(t, "用户管理", groups[0].Description)
		assert.Equal(t, int64(3), groups[0].Count)
	})

	t.Run("按用户含匿名", func(t *testing.T) {
		users, err := stats.ByUser(ctx, adminCaller, r, 10)
		require.NoError(t, err)
		require.Len(t, users, 3)
		assert.Equal(t, "alice", users[0].Username)
		assert.Equal(t, int64(2), users[0].Count)
		require.NotNil(t, users[0].LastActivity)
		assert.True(t, users[0].LastActivity.Equal(baseTime.Add(time.Minute)))
		assert.Equal(t, anonymousActor, users[1].Username)
		require.NotNil(t, users[1].LastActivity)
		assert.True(t, users[1].LastActivity.Equal(baseTime.Add(3*time.Minute)))
		assert.Equal(t, "bob", users[2].Username)
	})

	t.Run("按用户限制条数", func(t *testing.T) {
		users, err := stats.ByUser(ctx, adminCaller, r, 1)
		require.NoError(t, err)
		assert.Len(t, users, 1)
	})

	t.Run("按 IP 解析归属地", func(t *testing.T) {
		ips, err := stats.ByIP(ctx, adminCaller, r, 0)
		require.NoError(t, err)
		require.Len(t, ips, 3)
		assert.Equal(t, IPActivity{IPAddress: "8.8.8.8", Count: 2, Location: "美国"}, ips[0])
		assert.Equal(t, unknownLocation, ips[1].Location)
		assert.Equal(t, unknownLocation, ips[2].Location)
	})
}

func TestStatisticsService_Trend(t *testing.T) {
	ctx := context.Background()

	t.Run("全年按月 12 个桶", func(t *testing.T) {
		s := newTestStore(t)
		evs := make([]*AuditEvent, 0, 1000)
		for i := 0; i < 1000; i++ {
			at := time.Date(2024, time.Month(i%12+1), i%28+1, i%24, i%60, 0, 0, time.UTC)
			st := StatusSuccess
			if i%10 == 0 {
				st = StatusFailure
			}
			evs = append(evs, newEvent("alice", OpQuery, st, at))
		}
		seedInTx(t, s, evs)

		stats := NewStatisticsService(s, StatisticsConfig{}, WithStatisticsClock(fixedClock(time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC))))
		r := DateRange{
			Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC),
		}
		points, err := stats.Trend(ctx, adminCaller, r, GranularityMonth)
		require.NoError(t, err)
		require.Len(t, points, 12)

		var total, failures int64
		for i, p := range points {
			assert.Equal(t, time.Date(2024, time.Month(i+1), 1, 0, 0, 0, 0, time.UTC).Format("2006-01"), p.Date)
			assert.Equal(t, p.Count, p.SuccessCount+p.FailureCount)
			total += p.Count
			failures += p.FailureCount
		}
		assert.Equal(t, int64(1000), total)
		assert.Equal(t, int64(100), failures)
	})

	t.Run("按小时补零", func(t *testing.T) {
		s := newTestStore(t)
		seed(t, s,
			newEvent("alice", OpCreate, StatusSuccess, baseTime.Add(5*time.Minute)),
			newEvent("alice", OpCreate, StatusFailure, baseTime.Add(2*time.Hour+30*time.Minute)),
		)
		stats := NewStatisticsService(s, StatisticsConfig{}, WithStatisticsClock(fixedClock(baseTime.Add(3*time.Hour))))
		points, err := stats.Trend(ctx, adminCaller, DateRange{Start: baseTime, End: baseTime.Add(3 * time.Hour)}, GranularityHour)
		require.NoError(t, err)
		require.Len(t, points, 4)
		assert.Equal(t, TrendPoint{Date: "2024-06-01 12:00 +00:00", Count: 1, SuccessCount: 1}, points[0])
		assert.Equal(t, TrendPoint{Date: "2024-06-01 13:00 +00:00"}, points[1])
		assert.Equal(t, TrendPoint{Date: "2024-06-01 14:00 +00:00", Count: 1, FailureCount: 1}, points[2])
		assert.Equal(t, TrendPoint{Date: "2024-06-01 15:00 +00:00"}, points[3])
	})

	t.Run("按配置时区分桶", func(t *testing.T) {
		s := newTestStore(t)
		// UTC 17:00 为北京时间次日 01:00
		seed(t, s, newEvent("alice", OpCreate, StatusSuccess, time.Date(2024, 6, 1, 17, 0, 0, 0, time.UTC)))
		stats := NewStatisticsService(s, StatisticsConfig{Timezone: "Asia/Shanghai"}, WithStatisticsClock(fixedClock(baseTime)))
		r := DateRange{Start: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC)}
		points, err := stats.Trend(ctx, adminCaller, r, GranularityDay)
		require.NoError(t, err)
		require.Len(t, points, 2)
		assert.Equal(t, "2024-06-01", points[0].Date)
		assert.Zero(t, points[0].Count)
		assert.Equal(t, "2024-06-02", points[1].Date)
		assert.Equal(t, int64(1), points[1].Count)
	})

	t.Run("夏令时回拨的重复钟点分开统计", func(t *testing.T) {
		s := newTestStore(t)
		ny, err := time.LoadLocation("America/New_York")
		require.NoError(t, err)
		// 2024-11-03 当地 01:00-02:00 出现两次，UTC 05:30 与 06:30 分属两个桶
		seed(t, s,
			newEvent("alice", OpCreate, StatusSuccess, time.Date(2024, 11, 3, 5, 30, 0, 0, time.UTC)),
			newEvent("alice", OpCreate, StatusSuccess, time.Date(2024, 11, 3, 6, 30, 0, 0, time.UTC)),
		)
		stats := NewStatisticsService(s, StatisticsConfig{Timezone: "America/New_York"}, WithStatisticsClock(fixedClock(baseTime)))
		r := DateRange{Start: time.Date(2024, 11, 3, 4, 0, 0, 0, time.UTC), End: time.Date(2024, 11, 3, 7, 59, 0, 0, time.UTC)}
		points, err := stats.Trend(ctx, adminCaller, r, GranularityHour)
		require.NoError(t, err)
		require.Len(t, points, 4)

		want := []string{
			"2024-11-03 00:00 -04:00",
			"2024-11-03 01:00 -04:00",
			"2024-11-03 01:00 -05:00",
			"2024-11-03 02:00 -05:00",
		}
		for i, p := range points {
			assert.Equal(t, want[i], p.Date)
		}
		assert.Equal(t, int64(1), points[1].Count)
		assert.Equal(t, int64(1), points[2].Count)
		assert.Equal(t, ny.String(), stats.loc.String())
	})

	t.Run("非法粒度", func(t *testing.T) {
		s := newTestStore(t)
		stats := NewStatisticsService(s, StatisticsConfig{}, WithStatisticsClock(fixedClock(baseTime)))
		_, err := stats.Trend(ctx, adminCaller, DateRange{}, Granularity("week"))
		assert.Equal(t, KindValidation, KindOf(err))
	})
}

func TestStatisticsService_Cache(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s,
		newEvent("alice", OpCreate, StatusSuccess, baseTime),
		newEvent("bob", OpDelete, StatusSuccess, baseTime),
	)
	cache := newMemoryCache()
	stats := NewStatisticsService(s, StatisticsConfig{CacheTTL: time.Minute},
		WithStatisticsClock(fixedClock(baseTime.Add(time.Hour))),
		WithStatsCache(cache),
	)
	r := DateRange{Start: baseTime.Add(-time.Hour), End: baseTime.Add(time.Hour)}

	first, err := stats.ByOperation(ctx, adminCaller, r)
	require.NoError(t, err)
	second, err := stats.ByOperation(ctx, adminCaller, r)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, cache.hits)

	t.Run("清理后缓存失效", func(t *testing.T) {
		_, err := s.Delete(ctx, Filter{ActorUsername: "bob"}, nil)
		require.NoError(t, err)
		groups, err := stats.ByOperation(ctx, adminCaller, r)
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.Equal(t, "CREATE", groups[0].Name)
	})

	t.Run("默认范围在同一缓存周期内命中", func(t *testing.T) {
		clock := baseTime.Add(time.Hour + 5*time.Second)
		ticking := NewStatisticsService(s, StatisticsConfig{CacheTTL: time.Minute},
			WithStatisticsClock(func() time.Time {
				clock = clock.Add(7 * time.Second)
				return clock
			}),
			WithStatsCache(cache),
		)
		hits := cache.hits
		first, err := ticking.ByModule(ctx, adminCaller, DateRange{})
		require.NoError(t, err)
		second, err := ticking.ByModule(ctx, adminCaller, DateRange{})
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, hits+1, cache.hits)
	})

	t.Run("缓存故障时直接计算", func(t *testing.T) {
		cache.err = errors.New("redis: connection refused")
		groups, err := stats.ByOperation(ctx, adminCaller, r)
		require.NoError(t, err)
		assert.Len(t, groups, 1)
	})
}
