// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	ErrorTypeValidation        ErrorType = "validation_error"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeError             ErrorType = "processing_error"
	ErrorTypeProviderTransient ErrorType = "provider_transient"
	ErrorTypeProviderFatal     ErrorType = "provider_fatal"
	ErrorTypeGroupUnresponsive ErrorType = "group_unresponsive"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewProviderTransientError 供应商暂时不可用（限流、模型下线），可在回退链中重试
func NewProviderTransientError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeProviderTransient, message, originalError)
}

// NewProviderFatalError 回退链耗尽或不可重试的供应商错误
// Message 保留最后一个供应商错误原文
func NewProviderFatalError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeProviderFatal, message, originalError)
}

// NewGroupUnresponsiveError 群聊中没有任何人格成功回复
func NewGroupUnresponsiveError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeGroupUnresponsive, message, originalError)
}

func isType(err error, errType ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == errType
	}
	return false
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

// IsProviderTransientError 检查是否为供应商暂时性错误
func IsProviderTransientError(err error) bool {
	return isType(err, ErrorTypeProviderTransient)
}

// IsProviderFatalError 检查是否为供应商致命错误
func IsProviderFatalError(err error) bool {
	return isType(err, ErrorTypeProviderFatal)
}

// IsGroupUnresponsiveError 检查是否为群聊无响应错误
func IsGroupUnresponsiveError(err error) bool {
	return isType(err, ErrorTypeGroupUnresponsive)
}

// HTTPStatus 将错误类型映射为 HTTP 状态码
func HTTPStatus(err error) int {
	var appError *AppError
	if !errors.As(err, &appError) {
		return http.StatusInternalServerError
	}
	switch appError.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeGroupUnresponsive, ErrorTypeProviderTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeProviderTransient:
		return "PROVIDER_TRANSIENT"
	case ErrorTypeProviderFatal:
		return "PROVIDER_FATAL"
	case ErrorTypeGroupUnresponsive:
		return "GROUP_UNRESPONSIVE"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，只更新消息
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	return NewAppError(errType, message, err)
}
