package audit

import "strings"

// OperationType 操作类型（封闭枚举，未知值归入 OTHER）
type OperationType string

const (
	OpCreate  OperationType = "CREATE"  // 新增
	OpUpdate  OperationType = "UPDATE"  // 修改
	OpDelete  OperationType = "DELETE"  // 删除
	OpQuery   OperationType = "QUERY"   // 查询
	OpLogin   OperationType = "LOGIN"   // 登录
	OpLogout  OperationType = "LOGOUT"  // 登出
	OpExport  OperationType = "EXPORT"  // 导出
	OpImport  OperationType = "IMPORT"  // 导入
	OpCleanup OperationType = "CLEANUP" // 清理
	OpOther   OperationType = "OTHER"   // 其他
)

// AllOperationTypes 全部操作类型，按声明顺序
var AllOperationTypes = []OperationType{
	OpCreate, OpUpdate, OpDelete, OpQuery, OpLogin,
	OpLogout, OpExport, OpImport, OpCleanup, OpOther,
}

// Module 操作模块
type Module string

const (
	ModuleUser         Module = "USER_MANAGEMENT"         // 用户管理
	ModuleOrganization Module = "ORGANIZATION_MANAGEMENT" // 组织管理
	ModuleActivity     Module = "ACTIVITY_MANAGEMENT"     // 活动管理
	ModuleFee          Module = "FEE_MANAGEMENT"          // 费用管理
	ModuleAuth         Module = "AUTH"                    // 认证
	ModuleSystem       Module = "SYSTEM"                  // 系统管理
	ModuleOperationLog Module = "OPERATION_LOG"           // 操作日志
	ModuleOther        Module = "OTHER"                   // 其他
)

// AllModules 全部模块
var AllModules = []Module{
	ModuleUser, ModuleOrganization, ModuleActivity, ModuleFee,
	ModuleAuth, ModuleSystem, ModuleOperationLog, ModuleOther,
}

// Status 操作状态
type Status string

const (
	StatusSuccess Status = "SUCCESS" // 成功
	StatusFailure Status = "FAILURE" // 失败
	StatusPending Status = "PENDING" // 处理中
)

// 模块别名，兼容协作方传入的各种写法
var moduleAliases = map[string]Module{
	"user":           ModuleUser,
	"users":          ModuleUser,
	"user_manage":    ModuleUser,
	"用户管理":           ModuleUser,
	"organization":   ModuleOrganization,
	"organizations":  ModuleOrganization,
	"org":            ModuleOrganization,
	"组织管理":           ModuleOrganization,
	"activity":       ModuleActivity,
	"activities":     ModuleActivity,
	"活动管理":           ModuleActivity,
	"fee":            ModuleFee,
	"fees":           ModuleFee,
	"fee_standard":   ModuleFee,
	"fee_payment":    ModuleFee,
	"payment":        ModuleFee,
	"费用管理":           ModuleFee,
	"auth":           ModuleAuth,
	"login":          ModuleAuth,
	"认证":             ModuleAuth,
	"system":         ModuleSystem,
	"system_config":  ModuleSystem,
	"系统管理":           ModuleSystem,
	"operation_log":  ModuleOperationLog,
	"operation_logs": ModuleOperationLog,
	"audit":          ModuleOperationLog,
	"操作日志":           ModuleOperationLog,
}

// 操作类型别名
var operationAliases = map[string]OperationType{
	"ADD":     OpCreate,
	"INSERT":  OpCreate,
	"EDIT":    OpUpdate,
	"MODIFY":  OpUpdate,
	"REMOVE":  OpDelete,
	"SELECT":  OpQuery,
	"VIEW":    OpQuery,
	"READ":    OpQuery,
	"SIGNIN":  OpLogin,
	"SIGNOUT": OpLogout,
	"PURGE":   OpCleanup,
}

func canonical(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "-", "_")
	return s
}

// ParseOperationType 严格解析操作类型（用于查询过滤），未知值返回 false
func ParseOperationType(s string) (OperationType, bool) {
	key := strings.ToUpper(canonical(s))
	for _, op := range AllOperationTypes {
		if string(op) == key {
			return op, true
		}
	}
	if op, ok := operationAliases[key]; ok {
		return op, true
	}
	return "", false
}

// NormalizeOperationType 宽松解析操作类型（用于写入），未知值归入 OTHER
func NormalizeOperationType(s string) OperationType {
	if op, ok := ParseOperationType(s); ok {
		return op
	}
	return OpOther
}

// ParseModule 严格解析模块
func ParseModule(s string) (Module, bool) {
	raw := canonical(s)
	key := strings.ToUpper(raw)
	for _, m := range AllModules {
		if string(m) == key {
			return m, true
		}
	}
	if m, ok := moduleAliases[strings.ToLower(raw)]; ok {
		return m, true
	}
	return "", false
}

// NormalizeModule 宽松解析模块，未知标签归入 OTHER
func NormalizeModule(s string) Module {
	if m, ok := ParseModule(s); ok {
		return m
	}
	return ModuleOther
}

// ParseStatus 严格解析状态
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusSuccess:
		return StatusSuccess, true
	case StatusFailure:
		return StatusFailure, true
	case StatusPending:
		return StatusPending, true
	}
	return "", false
}

// GetOperationDescription 操作类型的中文描述
func GetOperationDescription(op OperationType) string {
	descriptions := map[OperationType]string{
		OpCreate:  "新增",
		OpUpdate:  "修改",
		OpDelete:  "删除",
		OpQuery:   "查询",
		OpLogin:   "登录",
		OpLogout:  "登出",
		OpExport:  "导出",
		OpImport:  "导入",
		OpCleanup: "清理",
		OpOther:   "其他",
	}
	if desc, exists := descriptions[op]; exists {
		return desc
	}
	return string(op)
}

// GetModuleDescription 模块的中文描述
func GetModuleDescription(m Module) string {
	descriptions := map[Module]string{
		ModuleUser:         "用户管理",
		ModuleOrganization: "组织管理",
		ModuleActivity:     "活动管理",
		ModuleFee:          "费用管理",
		ModuleAuth:         "认证",
		ModuleSystem:       "系统管理",
		ModuleOperationLog: "操作日志",
		ModuleOther:        "其他",
	}
	if desc, exists := descriptions[m]; exists {
		return desc
	}
	return string(m)
}
