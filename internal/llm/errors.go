// internal/llm/errors.go
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// ErrorClass 供应商错误分类，决定回退策略
type ErrorClass string

const (
	ClassNotFound    ErrorClass = "not_found"
	ClassRateLimited ErrorClass = "rate_limited"
	ClassTimeout     ErrorClass = "timeout"
	ClassOther       ErrorClass = "other"
)

// ProviderError 携带 HTTP 状态码的供应商错误
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("API Error: %d %s", e.StatusCode, e.Message)
	}
	return e.Message
}

// ClassifyError 将供应商错误归类
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if class, ok := classifyStatus(pe.StatusCode); ok {
			return class
		}
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if class, ok := classifyGenAI(apiErr); ok {
			return class
		}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		if class, ok := classifyGenAI(*apiErrPtr); ok {
			return class
		}
	}

	return classifyMessage(err.Error())
}

func classifyStatus(code int) (ErrorClass, bool) {
	switch code {
	case http.StatusNotFound:
		return ClassNotFound, true
	case http.StatusTooManyRequests:
		return ClassRateLimited, true
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ClassTimeout, true
	}
	return "", false
}

func classifyGenAI(e genai.APIError) (ErrorClass, bool) {
	if class, ok := classifyStatus(e.Code); ok {
		return class, true
	}
	switch strings.ToUpper(e.Status) {
	case "NOT_FOUND":
		return ClassNotFound, true
	case "RESOURCE_EXHAUSTED":
		return ClassRateLimited, true
	case "DEADLINE_EXCEEDED":
		return ClassTimeout, true
	}
	return "", false
}

// classifyMessage 无类型信息时按错误文本判断
func classifyMessage(msg string) ErrorClass {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		return ClassNotFound
	case strings.Contains(lower, "429") || strings.Contains(lower, "quota") ||
		strings.Contains(lower, "rate limit") || strings.Contains(lower, "resource_exhausted"):
		return ClassRateLimited
	case strings.Contains(lower, "deadline exceeded") || strings.Contains(lower, "timeout"):
		return ClassTimeout
	}
	return ClassOther
}
