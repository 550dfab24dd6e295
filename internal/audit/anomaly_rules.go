package audit

import (
	"fmt"
	"os"
	"time"

	"github.com/Knetic/govaluate"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoginRules 登录异常阈值
type LoginRules struct {
	FailureThreshold    int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	MediumFailures      int           `mapstructure:"medium_failures" yaml:"medium_failures"`
	HighFailures        int           `mapstructure:"high_failures" yaml:"high_failures"`
	FailureInterval     time.Duration `mapstructure:"failure_interval" yaml:"failure_interval"`
	StaleAfter          time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	DistinctIPThreshold int           `mapstructure:"distinct_ip_threshold" yaml:"distinct_ip_threshold"`
	IPSwitchInterval    time.Duration `mapstructure:"ip_switch_interval" yaml:"ip_switch_interval"`
}

// FrequencyRules 频率异常阈值
type FrequencyRules struct {
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	BaselineWindow  time.Duration `mapstructure:"baseline_window" yaml:"baseline_window"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MinEvents       int           `mapstructure:"min_events" yaml:"min_events"`
	AbsoluteCeiling int           `mapstructure:"absolute_ceiling" yaml:"absolute_ceiling"`
}

// PermissionRules 越权异常阈值
type PermissionRules struct {
	DenialThreshold int      `mapstructure:"denial_threshold" yaml:"denial_threshold"`
	DenialKeywords  []string `mapstructure:"denial_keywords" yaml:"denial_keywords"`
}

// EscalationRule 升级规则，表达式为真时把风险提升到 Level（只升不降）
type EscalationRule struct {
	Type  AnomalyType `mapstructure:"type" yaml:"type"` // 为空时对所有类型生效
	When  string      `mapstructure:"when" yaml:"when"`
	Level RiskLevel   `mapstructure:"level" yaml:"level"`
}

// DetectorConfig 检测配置，每次调用显式传入
type DetectorConfig struct {
	Window      time.Duration    `mapstructure:"window" yaml:"window"`
	MaxWindow   time.Duration    `mapstructure:"max_window" yaml:"max_window"`
	Login       LoginRules       `mapstructure:"login" yaml:"login"`
	Frequency   FrequencyRules   `mapstructure:"frequency" yaml:"frequency"`
	Permission  PermissionRules  `mapstructure:"permission" yaml:"permission"`
	Escalations []EscalationRule `mapstructure:"escalations" yaml:"escalations"`
}

// DefaultDetectorConfig 默认阈值
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Window:    24 * time.Hour,
		MaxWindow: 7 * 24 * time.Hour,
		Login: LoginRules{
			FailureThreshold:    3,
			MediumFailures:      5,
			HighFailures:        10,
			FailureInterval:     10 * time.Minute,
			StaleAfter:          12 * time.Hour,
			DistinctIPThreshold: 3,
			IPSwitchInterval:    time.Hour,
		},
		Frequency: FrequencyRules{
			Interval:        5 * time.Minute,
			BaselineWindow:  7 * 24 * time.Hour,
			Multiplier:      3,
			MinEvents:       20,
			AbsoluteCeiling: 200,
		},
		Permission: PermissionRules{
			DenialThreshold: 3,
			DenialKeywords: []string{
				"permission denied", "forbidden", "403", "unauthorized",
				"access denied", "无权限", "权限不足", "没有权限", "拒绝访问",
			},
		},
	}
}

// withDefaults 用默认值补齐未设置的字段
func (c DetectorConfig) withDefaults() DetectorConfig {
	d := DefaultDetectorConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = d.MaxWindow
	}

	l := &c.Login
	if l.FailureThreshold <= 0 {
		l.FailureThreshold = d.Login.FailureThreshold
	}
	if l.MediumFailures <= 0 {
		l.MediumFailures = d.Login.MediumFailures
	}
	if l.HighFailures <= 0 {
		l.HighFailures = d.Login.HighFailures
	}
	if l.FailureInterval <= 0 {
		l.FailureInterval = d.Login.FailureInterval
	}
	if l.StaleAfter <= 0 {
		l.StaleAfter = d.Login.StaleAfter
	}
	if l.DistinctIPThreshold <= 0 {
		l.DistinctIPThreshold = d.Login.DistinctIPThreshold
	}
	if l.IPSwitchInterval <= 0 {
		l.IPSwitchInterval = d.Login.IPSwitchInterval
	}

	f := &c.Frequency
	if f.Interval <= 0 {
		f.Interval = d.Frequency.Interval
	}
	if f.BaselineWindow <= 0 {
		f.BaselineWindow = d.Frequency.BaselineWindow
	}
	if f.Multiplier <= 0 {
		f.Multiplier = d.Frequency.Multiplier
	}
	if f.MinEvents <= 0 {
		f.MinEvents = d.Frequency.MinEvents
	}
	if f.AbsoluteCeiling <= 0 {
		f.AbsoluteCeiling = d.Frequency.AbsoluteCeiling
	}

	if c.Permission.DenialThreshold <= 0 {
		c.Permission.DenialThreshold = d.Permission.DenialThreshold
	}
	if c.Permission.DenialKeywords == nil {
		c.Permission.DenialKeywords = d.Permission.DenialKeywords
	}
	return c
}

// Validate 校验窗口与阈值关系
func (c DetectorConfig) Validate() error {
	if c.Window > c.MaxWindow {
		return validationError("window", fmt.Sprintf("检测窗口不能超过 %s", c.MaxWindow))
	}
	if c.Login.MediumFailures < c.Login.FailureThreshold || c.Login.HighFailures < c.Login.MediumFailures {
		return validationError("login", "登录失败阈值需满足 threshold <= medium <= high")
	}
	for i, r := range c.Escalations {
		if r.Level.Rank() < 0 {
			return validationError(fmt.Sprintf("escalations[%d].level", i), fmt.Sprintf("未知风险等级 %q", r.Level))
		}
	}
	return nil
}

// LoadDetectorRules 从 YAML 文件加载检测配置，未出现的字段使用默认值
func LoadDetectorRules(path string) (DetectorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DetectorConfig{}, fmt.Errorf("读取检测规则失败: %w", err)
	}
	return ParseDetectorRules(data)
}

// ParseDetectorRules 解析 YAML 检测配置
func ParseDetectorRules(data []byte) (DetectorConfig, error) {
	var cfg DetectorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DetectorConfig{}, fmt.Errorf("解析检测规则失败: %w", err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return DetectorConfig{}, err
	}
	if _, err := compileEscalations(cfg.Escalations); err != nil {
		return DetectorConfig{}, err
	}
	return cfg, nil
}

type compiledRule struct {
	EscalationRule
	expr *govaluate.EvaluableExpression
}

type escalationSet []compiledRule

func compileEscalations(rules []EscalationRule) (escalationSet, error) {
	set := make(escalationSet, 0, len(rules))
	for i, r := range rules {
		expr, err := govaluate.NewEvaluableExpression(r.When)
		if err != nil {
			return nil, validationError(fmt.Sprintf("escalations[%d].when", i), "解析表达式失败: "+err.Error())
		}
		set = append(set, compiledRule{EscalationRule: r, expr: expr})
	}
	return set, nil
}

// apply 依次评估规则，缺失的指标按 0 处理
func (set escalationSet) apply(f *AnomalyFinding, logger *zap.Logger) {
	for _, r := range set {
		if r.Type != "" && r.Type != f.Type {
			continue
		}
		if r.Level.Rank() <= f.RiskLevel.Rank() {
			continue
		}
		params := make(map[string]interface{}, len(f.Metrics))
		for k, v := range f.Metrics {
			params[k] = v
		}
		for _, v := range r.expr.Vars() {
			if _, ok := params[v]; !ok {
				params[v] = 0.0
			}
		}
		result, err := r.expr.Evaluate(params)
		if err != nil {
			logger.Warn("评估升级规则失败", zap.String("when", r.When), zap.Error(err))
			continue
		}
		if ok, _ := result.(bool); ok {
			f.RiskLevel = r.Level
		}
	}
}
