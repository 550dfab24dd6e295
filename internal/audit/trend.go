package audit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Granularity 趋势粒度
type Granularity string

const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityMonth Granularity = "month"
)

// ParseGranularity 解析粒度，空串为按天
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(s))); g {
	case "":
		return GranularityDay, nil
	case GranularityHour, GranularityDay, GranularityMonth:
		return g, nil
	default:
		return "", validationError("granularity", fmt.Sprintf("不支持的粒度 %q", s))
	}
}

// TrendPoint 趋势数据点
type TrendPoint struct {
	Date         string `json:"date"`
	Count        int64  `json:"count"`
	SuccessCount int64  `json:"successCount"`
	FailureCount int64  `json:"failureCount"`
}

func (g Granularity) layout() string {
	switch g {
	case GranularityHour:
		// 夏令时回拨时同一钟点出现两次，带上偏移以区分
		return "2006-01-02 15:00 -07:00"
	case GranularityMonth:
		return "2006-01"
	default:
		return "2006-01-02"
	}
}

func (g Granularity) truncate(t time.Time) time.Time {
	switch g {
	case GranularityHour:
		// 按绝对时间回退到整点，避免回拨时 time.Date 落到另一个同名钟点
		return t.Add(-time.Duration(t.Minute())*time.Minute - time.Duration(t.Second())*time.Second - time.Duration(t.Nanosecond()))
	case GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}
}

func (g Granularity) next(t time.Time) time.Time {
	switch g {
	case GranularityHour:
		return t.Add(time.Hour)
	case GranularityMonth:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// Trend 按粒度统计趋势，范围内每个时间桶都会输出（无数据补零）
func (s *StatisticsService) Trend(ctx context.Context, c Caller, r DateRange, g Granularity) ([]TrendPoint, error) {
	r, err := s.prepare(c, r)
	if err != nil {
		return nil, err
	}
	if g, err = ParseGranularity(string(g)); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "audit.Statistics.Trend")
	defer span.End()

	type params struct {
		DateRange
		Granularity Granularity
	}
	return cached(ctx, s, "trend", params{r, g}, func() ([]TrendPoint, error) {
		layout := g.layout()
		var points []TrendPoint
		index := make(map[string]int)
		end := r.End.In(s.loc)
		for t := g.truncate(r.Start.In(s.loc)); !t.After(end); t = g.next(t) {
			label := t.Format(layout)
			index[label] = len(points)
			points = append(points, TrendPoint{Date: label})
		}

		err := s.store.Each(ctx, r.filter(), Sort{Field: "createdAt", Order: SortAsc}, func(ev *AuditEvent) error {
			i, ok := index[ev.CreatedAt.In(s.loc).Format(layout)]
			if !ok {
				return nil
			}
			points[i].Count++
			switch ev.Status {
			case StatusSuccess:
				points[i].SuccessCount++
			case StatusFailure:
				points[i].FailureCount++
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if points == nil {
			points = []TrendPoint{}
		}
		return points, nil
	})
}
