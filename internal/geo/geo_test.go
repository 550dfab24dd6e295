package geo

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"auditengine/internal/config"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	records map[string]cityRecord
	err     error
}

func (f *fakeReader) Lookup(ip net.IP, result any) error {
	if f.err != nil {
		return f.err
	}
	if rec, ok := f.records[ip.String()]; ok {
		*result.(*cityRecord) = rec
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

func record(country, province, city names) cityRecord {
	var rec cityRecord
	rec.Country.Names = country
	rec.City.Names = city
	if province != nil {
		rec.Subdivisions = append(rec.Subdivisions, struct {
			Names names `maxminddb:"names"`
		}{Names: province})
	}
	return rec
}

func TestMaxMindResolver_Lookup(t *testing.T) {
	m := NewMaxMindResolver(&fakeReader{records: map[string]cityRecord{
		"1.2.3.4": record(names{"zh-CN": "中国", "en": "China"}, names{"zh-CN": "北京"}, names{"zh-CN": "北京"}),
		"8.8.8.8": record(names{"en": "United States"}, nil, names{"en": "Mountain View"}),
	}})

	t.Run("中文名称并去除重复", func(t *testing.T) {
		loc, err := m.Lookup("1.2.3.4")
		require.NoError(t, err)
		assert.Equal(t, "中国 北京", loc)
	})

	t.Run("缺少中文时使用英文", func(t *testing.T) {
		loc, err := m.Lookup("8.8.8.8")
		require.NoError(t, err)
		assert.Equal(t, "United States Mountain View", loc)
	})

	t.Run("内网地址", func(t *testing.T) {
		for _, ip := range []string{"10.0.0.1", "192.168.1.10", "127.0.0.1", "::1"} {
			loc, err := m.Lookup(ip)
			require.NoError(t, err)
			assert.Equal(t, Private, loc, ip)
		}
	})

	t.Run("无记录返回空", func(t *testing.T) {
		loc, err := m.Lookup("9.9.9.9")
		require.NoError(t, err)
		assert.Empty(t, loc)
	})

	t.Run("无效地址", func(t *testing.T) {
		_, err := m.Lookup("not-an-ip")
		assert.Error(t, err)
	})
}

type fakeLookup struct {
	calls atomic.Int32
	loc   string
	err   error
	delay time.Duration
}

func (f *fakeLookup) Lookup(ip string) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.loc, f.err
}

func geoConfig() config.GeoConfig {
	return config.GeoConfig{Timeout: 50 * time.Millisecond, FailureThreshold: 2, OpenTimeout: time.Minute}
}

func TestBoundedResolver_Locate(t *testing.T) {
	ctx := context.Background()

	t.Run("正常查询", func(t *testing.T) {
		r := NewBoundedResolver(&fakeLookup{loc: "中国 上海"}, geoConfig(), nil)
		assert.Equal(t, "中国 上海", r.Locate(ctx, "1.2.3.4"))
	})

	t.Run("内网地址不触发查询", func(t *testing.T) {
		f := &fakeLookup{loc: "x"}
		r := NewBoundedResolver(f, geoConfig(), nil)
		assert.Equal(t, Private, r.Locate(ctx, "172.16.0.5"))
		assert.Equal(t, Unknown, r.Locate(ctx, "bogus"))
		assert.Zero(t, f.calls.Load())
	})

	t.Run("无记录降级为 unknown", func(t *testing.T) {
		r := NewBoundedResolver(&fakeLookup{}, geoConfig(), nil)
		assert.Equal(t, Unknown, r.Locate(ctx, "1.2.3.4"))
	})

	t.Run("超时降级", func(t *testing.T) {
		r := NewBoundedResolver(&fakeLookup{loc: "slow", delay: 500 * time.Millisecond}, geoConfig(), nil)
		start := time.Now()
		assert.Equal(t, Unknown, r.Locate(ctx, "1.2.3.4"))
		assert.Less(t, time.Since(start), 400*time.Millisecond)
	})

	t.Run("连续失败后熔断", func(t *testing.T) {
		f := &fakeLookup{err: errors.New("db closed")}
		r := NewBoundedResolver(f, geoConfig(), nil)
		assert.Equal(t, Unknown, r.Locate(ctx, "1.2.3.4"))
		assert.Equal(t, Unknown, r.Locate(ctx, "1.2.3.4"))
		assert.Equal(t, gobreaker.StateOpen, r.State())

		assert.Equal(t, Unknown, r.Locate(ctx, "1.2.3.4"))
		assert.Equal(t, int32(2), f.calls.Load(), "熔断打开后不再查询")
	})
}
