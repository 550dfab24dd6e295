package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SecurityReport 安全报告
type SecurityReport struct {
	ReportID        string           `json:"reportId"`
	GeneratedAt     time.Time        `json:"generatedAt"`
	Window          ReportWindow     `json:"window"`
	Summary         ReportSummary    `json:"summary"`
	Findings        []AnomalyFinding `json:"findings"`
	Recommendations []string         `json:"recommendations"`
}

// ReportWindow 报告覆盖的时间窗口
type ReportWindow struct {
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	Events    int       `json:"events"`
}

// ReportSummary 报告摘要
type ReportSummary struct {
	Total     int                 `json:"total"`
	ByType    map[AnomalyType]int `json:"byType"`
	ByRisk    map[RiskLevel]int   `json:"byRisk"`
	RiskLevel RiskLevel           `json:"riskLevel,omitempty"` // 最高风险等级
}

// 各异常类型对应的处置建议
var recommendationsByType = map[AnomalyType][]string{
	AnomalyLogin: {
		"对连续登录失败的账号启用锁定或验证码，并核实随后成功登录是否为本人操作",
		"为管理员及高权限账号开启多因素认证",
	},
	AnomalyFrequency: {
		"核查操作量突增的账号是否存在脚本或凭证泄露，必要时限流",
	},
	AnomalyPermission: {
		"复核反复越权访问账号的角色分配，确认是否存在横向探测行为",
	},
}

// SecurityReport 生成安全报告，三类检测并发执行
func (d *Detector) SecurityReport(ctx context.Context, c Caller, cfg DetectorConfig) (*SecurityReport, error) {
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	findings, w, err := d.run(ctx, cfg, AllAnomalyTypes)
	if err != nil {
		return nil, err
	}

	report := &SecurityReport{
		ReportID:    uuid.NewString(),
		GeneratedAt: d.now().UTC(),
		Window: ReportWindow{
			StartDate: w.start,
			EndDate:   w.end,
			Events:    len(w.events),
		},
		Summary: ReportSummary{
			Total:  len(findings),
			ByType: make(map[AnomalyType]int),
			ByRisk: make(map[RiskLevel]int),
		},
		Findings:        findings,
		Recommendations: []string{},
	}
	for _, t := range AllAnomalyTypes {
		report.Summary.ByType[t] = 0
	}
	for _, l := range riskLevels {
		report.Summary.ByRisk[l] = 0
	}
	for _, f := range findings {
		report.Summary.ByType[f.Type]++
		report.Summary.ByRisk[f.RiskLevel]++
		if f.RiskLevel.Rank() > report.Summary.RiskLevel.Rank() {
			report.Summary.RiskLevel = f.RiskLevel
		}
	}
	for _, t := range AllAnomalyTypes {
		if report.Summary.ByType[t] > 0 {
			report.Recommendations = append(report.Recommendations, recommendationsByType[t]...)
		}
	}
	return report, nil
}

// ExportReport 导出报告，支持 json 与 markdown
func ExportReport(report *SecurityReport, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "markdown", "md":
		return exportMarkdown(report), nil
	default:
		return json.MarshalIndent(report, "", "  ")
	}
}

func exportMarkdown(report *SecurityReport) []byte {
	var md strings.Builder

	md.WriteString("# 安全报告\n\n")
	md.WriteString(fmt.Sprintf("**报告编号:** %s\n\n", report.ReportID))
	md.WriteString(fmt.Sprintf("**生成时间:** %s\n\n", report.GeneratedAt.Format(time.RFC3339)))
	md.WriteString(fmt.Sprintf("**时间窗口:** %s 至 %s（%d 条日志）\n\n",
		report.Window.StartDate.Format(time.RFC3339),
		report.Window.EndDate.Format(time.RFC3339),
		report.Window.Events))

	md.WriteString("## 摘要\n\n")
	md.WriteString(fmt.Sprintf("- **异常总数:** %d\n", report.Summary.Total))
	for _, t := range AllAnomalyTypes {
		md.WriteString(fmt.Sprintf("- **%s:** %d\n", t, report.Summary.ByType[t]))
	}
	md.WriteString("\n")

	if len(report.Findings) > 0 {
		md.WriteString("## 异常明细\n\n")
		for _, f := range report.Findings {
			md.WriteString(fmt.Sprintf("- [%s] %s %s (%s)\n",
				f.RiskLevel, f.Type, f.Description, f.OccurrenceTime.Format(time.RFC3339)))
		}
		md.WriteString("\n")
	}

	if len(report.Recommendations) > 0 {
		md.WriteString("## 建议\n\n")
		for _, r := range report.Recommendations {
			md.WriteString(fmt.Sprintf("- %s\n", r))
		}
	}
	return []byte(md.String())
}
