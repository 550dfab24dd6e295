package audit

import (
	"errors"
	"fmt"
)

// ErrorKind 错误分类
type ErrorKind string

const (
	KindValidation       ErrorKind = "VALIDATION_ERROR"
	KindNotFound         ErrorKind = "NOT_FOUND"
	KindPermissionDenied ErrorKind = "PERMISSION_DENIED"
	KindStorage          ErrorKind = "STORAGE_ERROR"
	KindSnapshotExpired  ErrorKind = "SNAPSHOT_EXPIRED"
)

// Error 引擎统一错误
type Error struct {
	Kind    ErrorKind
	Field   string // 校验错误对应的字段
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("audit: %s: %v", msg, e.Err)
	}
	return "audit: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按错误分类匹配，使 errors.Is(err, ErrNotFound) 可用
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Field == "" && t.Message == ""
}

// 分类哨兵错误，仅用于 errors.Is 比较
var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrStorage          = &Error{Kind: KindStorage}
	ErrSnapshotExpired  = &Error{Kind: KindSnapshotExpired}
)

// ErrImmutable 审计日志写入后禁止修改
var ErrImmutable = errors.New("audit: operation logs are immutable")

func validationError(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

func notFoundError(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func permissionDenied(message string) *Error {
	return &Error{Kind: KindPermissionDenied, Message: message}
}

func storageError(op string, err error) *Error {
	return &Error{Kind: KindStorage, Message: op, Err: err}
}

// KindOf 返回错误分类，非引擎错误返回空串
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
