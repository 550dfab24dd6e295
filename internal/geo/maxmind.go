package geo

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/maxminddb-golang"
)

// 归属地占位
const (
	Unknown = "unknown"
	Private = "内网IP"
)

// ErrUnavailable 归属地服务超时或熔断
var ErrUnavailable = errors.New("归属地服务不可用")

// Reader mmdb 读取接口，*maxminddb.Reader 满足该接口
type Reader interface {
	Lookup(ip net.IP, result any) error
	Close() error
}

type names map[string]string

type cityRecord struct {
	Country struct {
		Names names `maxminddb:"names"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		Names names `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
	City struct {
		Names names `maxminddb:"names"`
	} `maxminddb:"city"`
}

// localized 取首选语言名称，缺失时退回英文
func (n names) localized(lang string) string {
	if v := n[lang]; v != "" {
		return v
	}
	return n["en"]
}

// MaxMindResolver 基于 GeoLite2/GeoIP2 City 库查询归属地
type MaxMindResolver struct {
	reader Reader
	lang   string
}

// Open 打开 mmdb 文件
func Open(path string) (*MaxMindResolver, error) {
	r, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开归属地数据库失败: %w", err)
	}
	return NewMaxMindResolver(r), nil
}

func NewMaxMindResolver(r Reader) *MaxMindResolver {
	return &MaxMindResolver{reader: r, lang: "zh-CN"}
}

// Lookup 返回 "国家 省份 城市"，库中无记录时返回空串
func (m *MaxMindResolver) Lookup(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("无效的 IP 地址: %q", ip)
	}
	if isInternal(parsed) {
		return Private, nil
	}

	var rec cityRecord
	if err := m.reader.Lookup(parsed, &rec); err != nil {
		return "", fmt.Errorf("查询归属地失败: %w", err)
	}

	parts := make([]string, 0, 3)
	add := func(s string) {
		if s != "" && (len(parts) == 0 || parts[len(parts)-1] != s) {
			parts = append(parts, s)
		}
	}
	add(rec.Country.Names.localized(m.lang))
	if len(rec.Subdivisions) > 0 {
		add(rec.Subdivisions[0].Names.localized(m.lang))
	}
	add(rec.City.Names.localized(m.lang))
	return strings.Join(parts, " "), nil
}

func (m *MaxMindResolver) Close() error {
	return m.reader.Close()
}

func isInternal(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
