package errs

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type CodeErrorI interface {
	ECode() int
	EMsg() string
	DDetail() string
	WithDetail(detail string) CodeError
	error
}

func NewCodeError(code int, msg string) CodeError {
	return CodeError{
		Code: code,
		Msg:  msg,
	}
}

// CodeError 业务错误码；RetryAfter 仅对限流类错误有意义
type CodeError struct {
	Code       int           `json:"code"`
	Msg        string        `json:"msg"`
	Detail     string        `json:"detail,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

func (e *CodeError) ECode() int      { return e.Code }
func (e *CodeError) EMsg() string    { return e.Msg }
func (e *CodeError) DDetail() string { return e.Detail }

func (e *CodeError) WithDetail(detail string) CodeError {
	var d string
	if e.Detail == "" {
		d = detail
	} else {
		d = e.Detail + ", " + detail
	}
	return CodeError{
		Code:       e.Code,
		Msg:        e.Msg,
		Detail:     d,
		RetryAfter: e.RetryAfter,
	}
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{
		Code:       e.Code,
		Msg:        e.Msg,
		Detail:     e.Detail,
		RetryAfter: e.RetryAfter,
	}
}

func (e *CodeError) Wrap() error {
	return errors.WithStack(e.clone())
}

func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	retErr := e.clone()
	if msg != "" || len(kv) > 0 {
		detail := toString(msg, kv)
		if retErr.Detail == "" {
			retErr.Detail = detail
		} else {
			retErr.Detail += ", " + detail
		}
	}
	return errors.WithStack(retErr)
}

// WithRetryAfter 返回携带重试提示的副本
func (e *CodeError) WithRetryAfter(d time.Duration, msg string, kv ...any) error {
	retErr := e.clone()
	retErr.RetryAfter = d
	if msg != "" || len(kv) > 0 {
		retErr.Detail = toString(msg, kv)
	}
	return errors.WithStack(retErr)
}

// Is 判断 err 链上是否存在同码的 CodeError，兼容 errors.Is(err, ErrXxx)
func (e *CodeError) Is(err error) bool {
	if e == nil {
		return err == nil
	}
	c, ok := AsCode(err)
	if !ok {
		return false
	}
	return e.Code == c.Code
}

const initialCapacity = 3

func (e *CodeError) Error() string {
	v := make([]string, 0, initialCapacity)
	v = append(v, strconv.Itoa(e.Code), e.Msg)

	if e.Detail != "" {
		v = append(v, e.Detail)
	}

	return strings.Join(v, " ")
}

// AsCode 取出 err 链上最外层的 CodeError
func AsCode(err error) (*CodeError, bool) {
	if err == nil {
		return nil, false
	}
	var c *CodeError
	if errors.As(err, &c) && c != nil {
		return c, true
	}
	return nil, false
}

// Code 返回错误码；非 CodeError 一律视为内部错误
func Code(err error) int {
	if err == nil {
		return 0
	}
	if c, ok := AsCode(err); ok {
		return c.Code
	}
	return ServerInternalError
}

// RetryAfterOf 读取限流错误的重试提示
func RetryAfterOf(err error) (time.Duration, bool) {
	c, ok := AsCode(err)
	if !ok || c.RetryAfter <= 0 {
		return 0, false
	}
	return c.RetryAfter, true
}

func New(msg string, kv ...any) error {
	return errors.New(toString(msg, kv))
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, toString(msg, kv))
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			sb.WriteString("MISSING")
		}
	}
	return sb.String()
}
