package keeper

import (
	"errors"
	"net/http"
)

// 领域错误。调用方使用 errors.Is 判断，基础设施错误（数据库、缓存）原样向上传递，不会被改写为以下任何一种。
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidClient      = errors.New("invalid client")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation error")
)

// ErrorCode 业务错误码，前三位与 HTTP 状态一致
type ErrorCode int

const (
	CodeBadRequest          ErrorCode = 40001
	CodeUnauthorized        ErrorCode = 40101
	CodeInvalidCredentials  ErrorCode = 40102
	CodeInvalidClient       ErrorCode = 40103
	CodeForbidden           ErrorCode = 40301
	CodeNotFound            ErrorCode = 40401
	CodeInternalServerError ErrorCode = 50001
)

// HTTPError 统一错误模型。业务代码通过 ctx.Error(err) 上报，由 ErrorHandlerMiddleware 输出
type HTTPError struct {
	Status    int            `json:"-"`
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Details   []ErrorDetail  `json:"details,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	MessageID string         `json:"-"` // i18n 消息 ID，为空时不做翻译
}

type ErrorDetailType string

const (
	DetailValidation ErrorDetailType = "validation"
	DetailGeneric    ErrorDetailType = "generic"
)

// ErrorDetail 错误细节，Field 与 Tag 仅用于校验错误
type ErrorDetail struct {
	Type    ErrorDetailType `json:"type"`
	Field   string          `json:"field,omitempty"`
	Tag     string          `json:"tag,omitempty"`
	Message string          `json:"message,omitempty"`
}

func (e *HTTPError) Error() string { return e.Message }

func NewHTTPError(code ErrorCode, status int, message string, details ...ErrorDetail) *HTTPError {
	return &HTTPError{Status: status, Code: code, Message: message, Details: details}
}

func BadRequest(message string, details ...ErrorDetail) *HTTPError {
	return NewHTTPError(CodeBadRequest, http.StatusBadRequest, message, details...)
}

func InternalServerError(message string) *HTTPError {
	return NewHTTPError(CodeInternalServerError, http.StatusInternalServerError, message)
}

func ValidationDetail(field, tag, message string) ErrorDetail {
	return ErrorDetail{Type: DetailValidation, Field: field, Tag: tag, Message: message}
}

func GenericDetail(message string) ErrorDetail {
	return ErrorDetail{Type: DetailGeneric, Message: message}
}

// WithMeta 追加扩展信息
func (e *HTTPError) WithMeta(key string, value any) *HTTPError {
	if e.Meta == nil {
		e.Meta = make(map[string]any, 1)
	}
	e.Meta[key] = value
	return e
}

func (e *HTTPError) withMessageID(id string) *HTTPError {
	e.MessageID = id
	return e
}

// domainErrors 领域错误到 HTTP 错误模型的映射
// 拒绝访问与软删除导致的未找到使用固定文案，调用方无法据此推断记录是否存在
var domainErrors = []struct {
	target    error
	status    int
	code      ErrorCode
	messageID string
	message   string
}{
	{ErrInvalidCredentials, http.StatusUnauthorized, CodeInvalidCredentials, "error.invalid_credentials", "邮箱或密码错误"},
	{ErrInvalidClient, http.StatusUnauthorized, CodeInvalidClient, "error.invalid_client", "客户端认证失败"},
	{ErrUnauthorized, http.StatusUnauthorized, CodeUnauthorized, "error.unauthorized", "未认证或令牌无效"},
	{ErrForbidden, http.StatusForbidden, CodeForbidden, "error.forbidden", "权限不足，无法访问此资源"},
	{ErrNotFound, http.StatusNotFound, CodeNotFound, "error.not_found", "资源不存在"},
}

// AsHTTPError 将错误归类为 HTTPError；未识别的错误统一按 500 处理
func AsHTTPError(err error) *HTTPError {
	var he *HTTPError
	if errors.As(err, &he) {
		return he
	}
	for _, d := range domainErrors {
		if errors.Is(err, d.target) {
			return NewHTTPError(d.code, d.status, d.message).withMessageID(d.messageID)
		}
	}
	if errors.Is(err, ErrValidation) {
		// 校验错误的消息描述的是请求本身，可以直接返回给调用方
		return BadRequest("请求参数无效", GenericDetail(err.Error())).withMessageID("error.validation")
	}
	return InternalServerError("内部服务器错误").withMessageID("error.internal")
}
