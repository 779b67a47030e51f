package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
)

// Sentinel errors for the call lifecycle.
var (
	ErrPreflightFailed = fmt.Errorf("preflight failed")
	ErrCallEnded       = fmt.Errorf("call already ended")
	ErrNotConnected    = fmt.Errorf("call media not connected")
	ErrAlreadyAttached = fmt.Errorf("media stream already attached")
	ErrNoProviderCall  = fmt.Errorf("provider call reference not set")
	ErrServerStopped   = fmt.Errorf("server stopped")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Session.Speak")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "call", "twilio"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// PreflightError reports which provider check refused a call.
type PreflightError struct {
	Provider string // "twilio", "deepgram", "elevenlabs"
	Reason   string
	Err      error
}

func (e *PreflightError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("preflight failed: %s: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("preflight failed: %s: %s", e.Provider, e.Reason)
}

// Is makes every PreflightError match ErrPreflightFailed.
func (e *PreflightError) Is(target error) bool { return target == ErrPreflightFailed }

func (e *PreflightError) Unwrap() error { return e.Err }

// NewPreflightError builds a PreflightError for provider.
func NewPreflightError(provider, reason string, err error) *PreflightError {
	return &PreflightError{Provider: provider, Reason: reason, Err: err}
}

// ErrorCode is a machine-parseable error category reported to control clients.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
	CodePreflightFailed  ErrorCode = "PREFLIGHT_FAILED"
	CodeCallEnded        ErrorCode = "CALL_ENDED"
	CodeNotConnected     ErrorCode = "NOT_CONNECTED"
	CodeAlreadyAttached  ErrorCode = "ALREADY_ATTACHED"
	CodeNoProviderCall   ErrorCode = "NO_PROVIDER_CALL"
	CodeServerStopped    ErrorCode = "SERVER_STOPPED"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeCallNotFound     ErrorCode = "CALL_NOT_FOUND"
	CodeInvalidPhone     ErrorCode = "INVALID_PHONE"
	CodeTelephonyError   ErrorCode = "TELEPHONY_ERROR"
	CodeSTTError         ErrorCode = "STT_ERROR"
	CodeTTSError         ErrorCode = "TTS_ERROR"
	CodeWebhookSignature ErrorCode = "WEBHOOK_SIGNATURE"
	CodeSpeakQueueFull   ErrorCode = "SPEAK_QUEUE_FULL"
	CodeMalformedMessage ErrorCode = "MALFORMED_MESSAGE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrProviderError:    CodeProviderError,
	ErrPreflightFailed:  CodePreflightFailed,
	ErrCallEnded:        CodeCallEnded,
	ErrNotConnected:     CodeNotConnected,
	ErrAlreadyAttached:  CodeAlreadyAttached,
	ErrNoProviderCall:   CodeNoProviderCall,
	ErrServerStopped:    CodeServerStopped,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"call": CodeCallNotFound,
	},
	ErrInvalidInput: {
		"twilio":  CodeInvalidPhone,
		"control": CodeMalformedMessage,
	},
	ErrProviderError: {
		"twilio":     CodeTelephonyError,
		"deepgram":   CodeSTTError,
		"elevenlabs": CodeTTSError,
	},
	ErrPermissionDenied: {
		"twilio": CodeWebhookSignature,
	},
	ErrLimitReached: {
		"call": CodeSpeakQueueFull,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
