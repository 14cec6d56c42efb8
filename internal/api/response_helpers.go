// internal/api/response_helpers.go
package api

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"

	apperrors "github.com/Corphon/PersonaRelay/internal/errors"
	"github.com/Corphon/PersonaRelay/internal/utils"
)

// ErrorResponse 错误响应格式，error 字段保持为字符串以兼容现有前端
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"` // 用于调试和追踪
}

// ResponseHelper 响应助手类
type ResponseHelper struct{}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

// Success 成功响应，直接输出数据本身
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// Created 创建成功响应
func (rh *ResponseHelper) Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

// 看起来像供应商密钥的片段
var apiKeyPattern = regexp.MustCompile(`(AIzaSy[0-9A-Za-z_\-]{8,}|sk-[0-9A-Za-z_\-]{8,})`)

// sanitizeErrorMessage 遮盖错误信息中的密钥
func sanitizeErrorMessage(message string) string {
	return apiKeyPattern.ReplaceAllStringFunc(message, utils.MaskAPIKey)
}

// Error 错误响应
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string, details ...string) {
	resp := &ErrorResponse{
		Error:     sanitizeErrorMessage(message),
		Code:      errorCode,
		RequestID: rh.getRequestID(c),
	}
	if len(details) > 0 && details[0] != "" {
		resp.Details = sanitizeErrorMessage(details[0])
	}
	c.JSON(statusCode, resp)
}

// BadRequest 400错误响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message, details...)
}

// NotFound 404错误响应
func (rh *ResponseHelper) NotFound(c *gin.Context, code, message string) {
	if code == "" {
		code = ErrorNotFound
	}
	rh.Error(c, http.StatusNotFound, code, message)
}

// InternalError 500错误响应
func (rh *ResponseHelper) InternalError(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusInternalServerError, ErrorInternalError, message, details...)
}

// FromError 按错误类型选择状态码与错误代码
func (rh *ResponseHelper) FromError(c *gin.Context, err error, notFoundCode string) {
	status := apperrors.HTTPStatus(err)

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		rh.InternalError(c, "Neural Link Error", err.Error())
		return
	}

	code := ErrorInternalError
	details := ""
	switch appErr.Type {
	case apperrors.ErrorTypeValidation:
		code = ErrorBadRequest
	case apperrors.ErrorTypeNotFound:
		code = notFoundCode
		if code == "" {
			code = ErrorNotFound
		}
	case apperrors.ErrorTypeGroupUnresponsive:
		code = ErrorGroupUnresponsive
	case apperrors.ErrorTypeProviderFatal:
		code = ErrorProviderFailed
		if appErr.Err != nil {
			details = appErr.Err.Error()
		}
	case apperrors.ErrorTypeProviderTransient:
		code = ErrorProviderBusy
	}
	rh.Error(c, status, code, appErr.Message, details)
}

// getRequestID 获取请求ID
func (rh *ResponseHelper) getRequestID(c *gin.Context) string {
	if requestID := c.GetString(requestIDKey); requestID != "" {
		return requestID
	}
	return ""
}
