package audit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"auditengine/internal/metrics"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AnomalyType 异常类型
type AnomalyType string

const (
	AnomalyLogin      AnomalyType = "LOGIN_ANOMALY"
	AnomalyFrequency  AnomalyType = "FREQUENCY_ANOMALY"
	AnomalyPermission AnomalyType = "PERMISSION_ANOMALY"
)

// AllAnomalyTypes 全部异常类型
var AllAnomalyTypes = []AnomalyType{AnomalyLogin, AnomalyFrequency, AnomalyPermission}

// ParseAnomalyType 解析异常类型，支持 login/frequency/permission 简写
func ParseAnomalyType(s string) (AnomalyType, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOGIN", string(AnomalyLogin):
		return AnomalyLogin, true
	case "FREQUENCY", string(AnomalyFrequency):
		return AnomalyFrequency, true
	case "PERMISSION", string(AnomalyPermission):
		return AnomalyPermission, true
	}
	return "", false
}

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

var riskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh}

// Rank 数值化风险等级，未知等级为 -1
func (r RiskLevel) Rank() int {
	for i, l := range riskLevels {
		if l == r {
			return i
		}
	}
	return -1
}

// shift 升降级，结果限制在 LOW..HIGH
func (r RiskLevel) shift(n int) RiskLevel {
	i := r.Rank() + n
	if i < 0 {
		i = 0
	}
	if i >= len(riskLevels) {
		i = len(riskLevels) - 1
	}
	return riskLevels[i]
}

// AnomalyFinding 异常发现，即时计算，不落库
type AnomalyFinding struct {
	Type            AnomalyType        `json:"type"`
	Description     string             `json:"description"`
	RiskLevel       RiskLevel          `json:"riskLevel"`
	OccurrenceTime  time.Time          `json:"occurrenceTime"`
	RelatedEventIDs []uint64           `json:"relatedEventIds"`
	Actor           string             `json:"actor"`
	IPAddress       string             `json:"ipAddress,omitempty"`
	Operations      []string           `json:"operations,omitempty"`
	Modules         []string           `json:"modules,omitempty"`
	Metrics         map[string]float64 `json:"metrics"`
}

// ScopeResolver 查询操作人被授予的权限范围；known=false 表示无法判断
type ScopeResolver interface {
	Allowed(ctx context.Context, actor string, module Module, op OperationType) (allowed bool, known bool)
}

// Detector 异常检测器，无状态，同一数据与配置下结果确定
type Detector struct {
	store    EventStore
	resolver LocationResolver
	scopes   ScopeResolver
	now      func() time.Time
	logger   *zap.Logger
}

// DetectorOption 检测器配置项
type DetectorOption func(*Detector)

// WithDetectorLocationResolver 用于登录地点切换判断
func WithDetectorLocationResolver(r LocationResolver) DetectorOption {
	return func(d *Detector) { d.resolver = r }
}

// WithScopeResolver 设置权限范围查询
func WithScopeResolver(r ScopeResolver) DetectorOption {
	return func(d *Detector) { d.scopes = r }
}

// WithDetectorClock 设置时钟
func WithDetectorClock(now func() time.Time) DetectorOption {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// WithDetectorLogger 设置日志
func WithDetectorLogger(l *zap.Logger) DetectorOption {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDetector 创建检测器
func NewDetector(store EventStore, opts ...DetectorOption) *Detector {
	d := &Detector{store: store, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// detectWindow 一次检测加载的事件窗口
type detectWindow struct {
	start, end time.Time
	events     []*AuditEvent // 按 created_at, id 正序
}

// Detect 检测指定类型的异常，types 为空时检测全部类型
func (d *Detector) Detect(ctx context.Context, c Caller, cfg DetectorConfig, types ...AnomalyType) ([]AnomalyFinding, error) {
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	start := time.Now()
	findings, _, err := d.run(ctx, cfg, types)
	metrics.ObserveOperation("detect", start, string(KindOf(err)))
	return findings, err
}

// run 加载窗口并并发执行各检测项
func (d *Detector) run(ctx context.Context, cfg DetectorConfig, types []AnomalyType) ([]AnomalyFinding, *detectWindow, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	rules, err := compileEscalations(cfg.Escalations)
	if err != nil {
		return nil, nil, err
	}
	if len(types) == 0 {
		types = AllAnomalyTypes
	}

	ctx, span := tracer.Start(ctx, "audit.Detector.Detect")
	defer span.End()

	w, err := d.load(ctx, cfg.Window)
	if err != nil {
		return nil, nil, err
	}

	results := make([][]AnomalyFinding, len(types))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range types {
		i, t := i, t
		g.Go(func() error {
			var (
				out []AnomalyFinding
				err error
			)
			switch t {
			case AnomalyLogin:
				out = d.detectLogin(gctx, w, cfg.Login)
			case AnomalyFrequency:
				out, err = d.detectFrequency(gctx, w, cfg.Frequency)
			case AnomalyPermission:
				out = d.detectPermission(gctx, w, cfg.Permission)
			default:
				return validationError("type", fmt.Sprintf("未知异常类型 %q", t))
			}
			results[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var findings []AnomalyFinding
	for _, r := range results {
		findings = append(findings, r...)
	}
	for i := range findings {
		rules.apply(&findings[i], d.logger)
	}
	sortFindings(findings)
	if findings == nil {
		findings = []AnomalyFinding{}
	}
	span.SetAttributes(attribute.Int("audit.findings", len(findings)))
	return findings, w, nil
}

func (d *Detector) load(ctx context.Context, window time.Duration) (*detectWindow, error) {
	end := d.now().UTC()
	start := end.Add(-window)
	w := &detectWindow{start: start, end: end}
	err := d.store.Each(ctx, Filter{StartTime: &start, EndTime: &end}, Sort{Field: "createdAt", Order: SortAsc},
		func(ev *AuditEvent) error {
			w.events = append(w.events, ev)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// sortFindings 风险降序、发生时间降序、类型、操作人
func sortFindings(fs []AnomalyFinding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.RiskLevel.Rank() != b.RiskLevel.Rank() {
			return a.RiskLevel.Rank() > b.RiskLevel.Rank()
		}
		if !a.OccurrenceTime.Equal(b.OccurrenceTime) {
			return a.OccurrenceTime.After(b.OccurrenceTime)
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Actor < b.Actor
	})
}

// actorKey 有用户名按用户名聚合，匿名按 IP 聚合
func actorKey(ev *AuditEvent) string {
	if u := ev.Username(); u != "" {
		return u
	}
	return "ip:" + ev.IPAddress
}

// groupByActor 保持窗口内的时间顺序
func groupByActor(events []*AuditEvent, keep func(*AuditEvent) bool) (map[string][]*AuditEvent, []string) {
	groups := make(map[string][]*AuditEvent)
	var keys []string
	for _, ev := range events {
		if !keep(ev) {
			continue
		}
		k := actorKey(ev)
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], ev)
	}
	sort.Strings(keys)
	return groups, keys
}

// densestBurst 返回任意长度不超过 interval 的滑动区间内事件最多的区间 [i, j]，数量相同取最近的
func densestBurst(events []*AuditEvent, interval time.Duration) (int, int) {
	bestI, bestJ := 0, -1
	i := 0
	for j := range events {
		for events[j].CreatedAt.Sub(events[i].CreatedAt) > interval {
			i++
		}
		if j-i >= bestJ-bestI {
			bestI, bestJ = i, j
		}
	}
	return bestI, bestJ
}

func eventIDs(events []*AuditEvent) []uint64 {
	ids := make([]uint64, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	return ids
}

func distinctSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// detectLogin 密集登录失败与短时间多 IP 登录
func (d *Detector) detectLogin(ctx context.Context, w *detectWindow, cfg LoginRules) []AnomalyFinding {
	var out []AnomalyFinding
	groups, keys := groupByActor(w.events, func(ev *AuditEvent) bool { return ev.OperationType == OpLogin })
	for _, actor := range keys {
		logins := groups[actor]
		if f, ok := d.failureBurst(actor, logins, cfg, w.end); ok {
			out = append(out, f)
		}
		if !strings.HasPrefix(actor, "ip:") {
			if f, ok := d.ipSwitch(ctx, actor, logins, cfg); ok {
				out = append(out, f)
			}
		}
	}
	return out
}

func (d *Detector) failureBurst(actor string, logins []*AuditEvent, cfg LoginRules, now time.Time) (AnomalyFinding, bool) {
	var failures []*AuditEvent
	for _, ev := range logins {
		if ev.Status == StatusFailure {
			failures = append(failures, ev)
		}
	}
	if len(failures) < cfg.FailureThreshold {
		return AnomalyFinding{}, false
	}
	i, j := densestBurst(failures, cfg.FailureInterval)
	burst := failures[i : j+1]
	if len(burst) < cfg.FailureThreshold {
		return AnomalyFinding{}, false
	}
	last := burst[len(burst)-1]

	var success *AuditEvent
	for _, ev := range logins {
		if ev.Status != StatusSuccess || !ev.CreatedAt.After(last.CreatedAt) {
			continue
		}
		if ev.CreatedAt.Sub(last.CreatedAt) <= cfg.FailureInterval {
			success = ev
			break
		}
	}

	level := RiskLow
	switch {
	case len(burst) >= cfg.HighFailures:
		level = RiskHigh
	case len(burst) >= cfg.MediumFailures:
		level = RiskMedium
	}
	occurred := last.CreatedAt
	related := eventIDs(burst)
	if success != nil {
		level = level.shift(1)
		occurred = success.CreatedAt
		related = append(related, success.ID)
	}
	age := now.Sub(last.CreatedAt)
	if age > cfg.StaleAfter {
		level = level.shift(-1)
	}

	ips := make([]string, 0, len(burst))
	for _, ev := range burst {
		ips = append(ips, ev.IPAddress)
	}
	ips = distinctSorted(ips)

	desc := fmt.Sprintf("%s 在 %s 内登录失败 %d 次", actor, cfg.FailureInterval, len(burst))
	if success != nil {
		desc += "，随后登录成功"
	}
	followed := 0.0
	if success != nil {
		followed = 1
	}
	return AnomalyFinding{
		Type:            AnomalyLogin,
		Description:     desc,
		RiskLevel:       level,
		OccurrenceTime:  occurred.UTC(),
		RelatedEventIDs: related,
		Actor:           actor,
		IPAddress:       last.IPAddress,
		Operations:      []string{string(OpLogin)},
		Modules:         []string{string(last.OperationModule)},
		Metrics: map[string]float64{
			"failures":          float64(len(burst)),
			"followedBySuccess": followed,
			"distinctIPs":       float64(len(ips)),
			"ageMinutes":        math.Floor(age.Minutes()),
		},
	}, true
}

func (d *Detector) ipSwitch(ctx context.Context, actor string, logins []*AuditEvent, cfg LoginRules) (AnomalyFinding, bool) {
	var ok []*AuditEvent
	for _, ev := range logins {
		if ev.Status == StatusSuccess && ev.IPAddress != "" {
			ok = append(ok, ev)
		}
	}
	if len(ok) < cfg.DistinctIPThreshold {
		return AnomalyFinding{}, false
	}

	counts := make(map[string]int)
	bestI, bestJ, best := 0, -1, 0
	i := 0
	for j, ev := range ok {
		counts[ev.IPAddress]++
		for ev.CreatedAt.Sub(ok[i].CreatedAt) > cfg.IPSwitchInterval {
			ip := ok[i].IPAddress
			if counts[ip]--; counts[ip] == 0 {
				delete(counts, ip)
			}
			i++
		}
		if len(counts) >= best {
			bestI, bestJ, best = i, j, len(counts)
		}
	}
	if best < cfg.DistinctIPThreshold {
		return AnomalyFinding{}, false
	}

	window := ok[bestI : bestJ+1]
	ips := make([]string, 0, len(window))
	for _, ev := range window {
		ips = append(ips, ev.IPAddress)
	}
	ips = distinctSorted(ips)

	var locations []string
	if d.resolver != nil {
		for _, ip := range ips {
			if loc := d.resolver.Locate(ctx, ip); loc != "" && loc != unknownLocation {
				locations = append(locations, loc)
			}
		}
		locations = distinctSorted(locations)
	}
	level := RiskMedium
	if len(locations) >= 2 {
		level = RiskHigh
	}
	last := window[len(window)-1]
	desc := fmt.Sprintf("%s 在 %s 内从 %d 个不同 IP 登录成功", actor, cfg.IPSwitchInterval, len(ips))
	if len(locations) > 0 {
		desc += "（" + strings.Join(locations, "、") + "）"
	}
	return AnomalyFinding{
		Type:            AnomalyLogin,
		Description:     desc,
		RiskLevel:       level,
		OccurrenceTime:  last.CreatedAt.UTC(),
		RelatedEventIDs: eventIDs(window),
		Actor:           actor,
		IPAddress:       last.IPAddress,
		Operations:      []string{string(OpLogin)},
		Modules:         []string{string(last.OperationModule)},
		Metrics: map[string]float64{
			"distinctIPs":       float64(len(ips)),
			"distinctLocations": float64(len(locations)),
			"logins":            float64(len(window)),
		},
	}, true
}

// detectFrequency 短时间操作量相对历史基线的突增
func (d *Detector) detectFrequency(ctx context.Context, w *detectWindow, cfg FrequencyRules) ([]AnomalyFinding, error) {
	groups, keys := groupByActor(w.events, func(*AuditEvent) bool { return true })
	if len(keys) == 0 {
		return nil, nil
	}
	baseline, err := d.baselineCounts(ctx, w.start, cfg.BaselineWindow)
	if err != nil {
		return nil, err
	}

	var out []AnomalyFinding
	for _, actor := range keys {
		events := groups[actor]
		i, j := densestBurst(events, cfg.Interval)
		burst := events[i : j+1]
		count := len(burst)

		history, hasHistory := baseline[actor]
		rate := float64(history) * float64(cfg.Interval) / float64(cfg.BaselineWindow)
		ratio := float64(count) / math.Max(rate, 1)

		ceiling := count >= cfg.AbsoluteCeiling
		spike := count >= cfg.MinEvents && float64(count) > cfg.Multiplier*math.Max(rate, 1)
		if !ceiling && !spike {
			continue
		}
		level := RiskLow
		switch {
		case ceiling:
			level = RiskHigh
		case ratio >= 2*cfg.Multiplier && hasHistory:
			level = RiskHigh
		case ratio >= 1.5*cfg.Multiplier:
			level = RiskMedium
		}

		ops := make([]string, 0, len(burst))
		mods := make([]string, 0, len(burst))
		for _, ev := range burst {
			ops = append(ops, string(ev.OperationType))
			mods = append(mods, string(ev.OperationModule))
		}
		last := burst[len(burst)-1]
		desc := fmt.Sprintf("%s 在 %s 内执行 %d 次操作，历史基线 %.2f 次", actor, cfg.Interval, count, rate)
		if ceiling {
			desc += "，超过绝对上限"
		}
		out = append(out, AnomalyFinding{
			Type:            AnomalyFrequency,
			Description:     desc,
			RiskLevel:       level,
			OccurrenceTime:  last.CreatedAt.UTC(),
			RelatedEventIDs: eventIDs(burst),
			Actor:           actor,
			IPAddress:       last.IPAddress,
			Operations:      distinctSorted(ops),
			Modules:         distinctSorted(mods),
			Metrics: map[string]float64{
				"count":    float64(count),
				"baseline": round2(rate),
				"ratio":    round2(ratio),
				"history":  float64(history),
			},
		})
	}
	return out, nil
}

// baselineCounts 窗口开始前 BaselineWindow 内每个操作人的事件数
func (d *Detector) baselineCounts(ctx context.Context, windowStart time.Time, span time.Duration) (map[string]int64, error) {
	start := windowStart.Add(-span)
	end := windowStart
	counts := make(map[string]int64)

	named, err := d.store.GroupCount(ctx, Filter{StartTime: &start, CreatedBefore: &end}, GroupByUser, 0)
	if err != nil {
		return nil, err
	}
	for _, g := range named {
		if g.Key != "" {
			counts[g.Key] = g.Count
		}
	}
	anon, err := d.store.GroupCount(ctx, Filter{StartTime: &start, CreatedBefore: &end, Anonymous: true}, GroupByIP, 0)
	if err != nil {
		return nil, err
	}
	for _, g := range anon {
		counts["ip:"+g.Key] = g.Count
	}
	return counts, nil
}

// detectPermission 重复的越权失败
func (d *Detector) detectPermission(ctx context.Context, w *detectWindow, cfg PermissionRules) []AnomalyFinding {
	keywords := make([]string, 0, len(cfg.DenialKeywords))
	for _, k := range cfg.DenialKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	denied := func(ev *AuditEvent) bool {
		if ev.Status != StatusFailure {
			return false
		}
		msg := strings.ToLower(ev.ErrorText())
		for _, k := range keywords {
			if strings.Contains(msg, k) {
				return true
			}
		}
		if d.scopes != nil && ev.Username() != "" {
			allowed, known := d.scopes.Allowed(ctx, ev.Username(), ev.OperationModule, ev.OperationType)
			return known && !allowed
		}
		return false
	}

	var out []AnomalyFinding
	groups, keys := groupByActor(w.events, denied)
	for _, actor := range keys {
		events := groups[actor]
		if len(events) < cfg.DenialThreshold {
			continue
		}
		ops := make([]string, 0, len(events))
		mods := make([]string, 0, len(events))
		pairs := make([]string, 0, len(events))
		for _, ev := range events {
			ops = append(ops, string(ev.OperationType))
			mods = append(mods, string(ev.OperationModule))
			pairs = append(pairs, string(ev.OperationModule)+"/"+string(ev.OperationType))
		}
		mods = distinctSorted(mods)
		pairs = distinctSorted(pairs)

		level := RiskMedium
		if len(events) >= 2*cfg.DenialThreshold || len(mods) >= 3 {
			level = RiskHigh
		}
		last := events[len(events)-1]
		out = append(out, AnomalyFinding{
			Type:            AnomalyPermission,
			Description:     fmt.Sprintf("%s 权限拒绝 %d 次：%s", actor, len(events), strings.Join(pairs, ", ")),
			RiskLevel:       level,
			OccurrenceTime:  last.CreatedAt.UTC(),
			RelatedEventIDs: eventIDs(events),
			Actor:           actor,
			IPAddress:       last.IPAddress,
			Operations:      distinctSorted(ops),
			Modules:         mods,
			Metrics: map[string]float64{
				"denials":         float64(len(events)),
				"distinctModules": float64(len(mods)),
			},
		})
	}
	return out
}
