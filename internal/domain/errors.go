package domain

import (
	"errors"
	"fmt"
)

// ErrorKind 错误分类，决定上层的重试/终止策略
type ErrorKind string

const (
	ErrValidation         ErrorKind = "validation_error"
	ErrNotAuthorized      ErrorKind = "not_authorized"
	ErrEpochNotOpen       ErrorKind = "epoch_not_open"
	ErrOrderFinalized     ErrorKind = "order_finalized"
	ErrUnknownZonePair    ErrorKind = "unknown_zone_pair"
	ErrDecimalOverflow    ErrorKind = "decimal_overflow"
	ErrChainTransient     ErrorKind = "chain_transient"
	ErrChainPermanent     ErrorKind = "chain_permanent"
	ErrConfirmationTimeout ErrorKind = "confirmation_timeout"
	ErrPipelineBusy       ErrorKind = "pipeline_busy"
	ErrConflict           ErrorKind = "conflict"
	ErrInternal           ErrorKind = "internal"
)

// Error 是核心对外返回的带分类错误；Kind 决定调用方或流水线如何响应
// （验证/鉴权错误原样冒泡，ChainTransient/ConfirmationTimeout 本地重试，
// ChainPermanent 不重试，Conflict 透明重试一次）
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 支持 errors.Is(err, &Error{Kind: ErrConflict}) 风格的判断
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// NewError 构造一个未包裹底层错误的分类错误
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError 构造一个包裹底层错误的分类错误，Unwrap 可还原原始 err
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf 提取给定 error 所属的 Kind；非分类错误返回 ErrInternal
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

// IsRetryable 判断错误是否应由结算流水线本地重试（指数退避），
// 与 §7 的传播策略一致：ChainTransient 和 ConfirmationTimeout 可重试，
// ChainPermanent 不可重试
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrChainTransient, ErrConfirmationTimeout:
		return true
	default:
		return false
	}
}
