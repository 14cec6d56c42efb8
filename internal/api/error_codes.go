// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest         = "BAD_REQUEST"
	ErrorNotFound           = "NOT_FOUND"
	ErrorInternalError      = "INTERNAL_ERROR"
	ErrorServiceUnavailable = "SERVICE_UNAVAILABLE"

	// 资源相关错误
	ErrorPersonaNotFound      = "PERSONA_NOT_FOUND"
	ErrorGroupNotFound        = "GROUP_NOT_FOUND"
	ErrorConversationNotFound = "CONVERSATION_NOT_FOUND"

	// 对话相关错误
	ErrorMissingFields     = "MISSING_FIELDS"
	ErrorGroupUnresponsive = "GROUP_UNRESPONSIVE"
	ErrorGroupEmpty        = "GROUP_EMPTY"

	// 供应商相关错误
	ErrorProviderFailed  = "PROVIDER_FAILED"
	ErrorProviderBusy    = "PROVIDER_BUSY"
	ErrorAPIKeyMissing   = "API_KEY_MISSING"
	ErrorSynthesisFailed = "SYNTHESIS_FAILED"
	ErrorReflectFailed   = "REFLECTION_FAILED"
)
