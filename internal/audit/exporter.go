package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ExportFormat 导出格式
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json" // JSON Lines，每行一条
)

// ParseExportFormat 解析导出格式，空串默认 CSV
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatJSON:
		return f, nil
	}
	return "", validationError("format", fmt.Sprintf("不支持的导出格式 %q", s))
}

// ContentType 响应类型
func (f ExportFormat) ContentType() string {
	if f == FormatJSON {
		return "application/x-ndjson; charset=utf-8"
	}
	return "text/csv; charset=utf-8"
}

// Filename 下载文件名
func (f ExportFormat) Filename(now time.Time) string {
	ext := "csv"
	if f == FormatJSON {
		ext = "jsonl"
	}
	return fmt.Sprintf("operation_logs_%s.%s", now.Format("20060102_150405"), ext)
}

// ExportRequest 导出请求
type ExportRequest struct {
	Format  ExportFormat
	Filter  Filter
	Sort    Sort
	MaxRows int // 0 使用默认上限
}

const (
	exportPageSize       = 500
	defaultExportMaxRows = 100000
)

// 导出 CSV 表头
var csvHeader = []string{"ID", "操作人", "操作类型", "操作模块", "模块标签", "描述", "IP 地址", "状态", "错误信息", "耗时(ms)", "更正日志", "创建时间"}

// Exporter 按查询条件流式导出，分页读取同一快照
type Exporter struct {
	query *QueryService
}

// NewExporter 创建导出器
func NewExporter(query *QueryService) *Exporter {
	return &Exporter{query: query}
}

// Export 写入 w 并返回导出条数；权限范围与列表查询一致
func (e *Exporter) Export(ctx context.Context, c Caller, w io.Writer, req ExportRequest) (int, error) {
	format, err := ParseExportFormat(string(req.Format))
	if err != nil {
		return 0, err
	}
	maxRows := req.MaxRows
	if maxRows <= 0 {
		maxRows = defaultExportMaxRows
	}

	// 先取第一页，权限与查询条件错误在写出任何内容之前返回
	q := ListQuery{Filter: req.Filter, Sort: req.Sort, Page: 1, PageSize: exportPageSize}
	page, err := e.query.List(ctx, c, q)
	if err != nil {
		return 0, err
	}

	var (
		writeRow func(*AuditEvent) error
		flush    = func() error { return nil }
	)
	switch format {
	case FormatCSV:
		// UTF-8 BOM，Excel 打开时中文不乱码
		if _, err := io.WriteString(w, "\ufeff"); err != nil {
			return 0, err
		}
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return 0, err
		}
		writeRow = func(ev *AuditEvent) error { return cw.Write(csvRow(ev)) }
		flush = func() error {
			cw.Flush()
			return cw.Error()
		}
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		writeRow = func(ev *AuditEvent) error { return enc.Encode(ev) }
	}

	count := 0
	for {
		for _, ev := range page.List {
			if count >= maxRows {
				break
			}
			if err := writeRow(ev); err != nil {
				return count, err
			}
			count++
		}
		if err := flush(); err != nil {
			return count, err
		}
		if count >= maxRows || page.NextPageToken == "" {
			return count, nil
		}
		q.PageToken = page.NextPageToken
		if page, err = e.query.List(ctx, c, q); err != nil {
			return count, err
		}
	}
}

func csvRow(ev *AuditEvent) []string {
	corrects := ""
	if ev.CorrectsID != nil {
		corrects = strconv.FormatUint(*ev.CorrectsID, 10)
	}
	return []string{
		strconv.FormatUint(ev.ID, 10),
		ev.Username(),
		string(ev.OperationType),
		string(ev.OperationModule),
		ev.ModuleTag,
		ev.Description,
		ev.IPAddress,
		string(ev.Status),
		ev.ErrorText(),
		strconv.FormatInt(ev.ExecutionTimeMs, 10),
		corrects,
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
