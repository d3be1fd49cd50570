package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Code is a JSON-RPC error code. Negative codes follow JSON-RPC; positive
// codes are the systerd domain taxonomy.
type Code int

const (
	CodeParseError       Code = -32700
	CodeInvalidRequest   Code = -32600
	CodeMethodNotFound   Code = -32601
	CodeInvalidParams    Code = -32602
	CodeInternalError    Code = -32603
	CodeResourceNotFound Code = -32002

	CodeUnknown      Code = 1000
	CodeInvalidInput Code = 1001
	CodeTimeout      Code = 1002

	CodePermissionDenied   Code = 2000
	CodePermissionRequired Code = 2001
	CodeInvalidToken       Code = 2002

	CodeToolNotFound        Code = 4000
	CodeToolExecutionFailed Code = 4001
	CodeInvalidParameters   Code = 4002

	CodeStorage Code = 5000
)

var codeNames = map[Code]string{
	CodeParseError:          "PARSE_ERROR",
	CodeInvalidRequest:      "INVALID_REQUEST",
	CodeMethodNotFound:      "METHOD_NOT_FOUND",
	CodeInvalidParams:       "INVALID_PARAMS",
	CodeInternalError:       "INTERNAL_ERROR",
	CodeResourceNotFound:    "RESOURCE_NOT_FOUND",
	CodeUnknown:             "UNKNOWN",
	CodeInvalidInput:        "INVALID_INPUT",
	CodeTimeout:             "TIMEOUT",
	CodePermissionDenied:    "PERMISSION_DENIED",
	CodePermissionRequired:  "PERMISSION_REQUIRED",
	CodeInvalidToken:        "INVALID_TOKEN",
	CodeToolNotFound:        "TOOL_NOT_FOUND",
	CodeToolExecutionFailed: "TOOL_EXECUTION_FAILED",
	CodeInvalidParameters:   "INVALID_PARAMETERS",
	CodeStorage:             "STORAGE_ERROR",
}

// Name returns the symbolic name carried in error data as code_name.
func (c Code) Name() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// Error classes reported in the data payload.
const (
	KindProtocol   = "ProtocolError"
	KindPermission = "PermissionError"
	KindTool       = "ToolExecutionError"
	KindTimeout    = "TimeoutError"
	KindStorage    = "StorageError"
	KindInput      = "InputError"
)

// Error is a classified failure that the engine turns into a JSON-RPC error
// object. Operation handlers return it to choose the wire code.
type Error struct {
	Kind    string
	Code    Code
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Data is the diagnostic payload placed in error.data.
func (e *Error) Data() map[string]any {
	kind := e.Kind
	if kind == "" {
		kind = KindTool
	}
	d := map[string]any{
		"error":     kind,
		"message":   e.Message,
		"code":      int(e.Code),
		"code_name": e.Code.Name(),
	}
	if len(e.Details) > 0 {
		d["details"] = e.Details
	}
	if e.Cause != nil {
		d["cause"] = e.Cause.Error()
	}
	return d
}

// WithDetail returns e with key set in its details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// NewError builds a classified error.
func NewError(kind string, code Code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Cause: cause}
}

// InvalidInput marks a caller mistake inside an otherwise valid call.
func InvalidInput(err error) *Error {
	return &Error{Kind: KindInput, Code: CodeInvalidInput, Message: err.Error(), Cause: err}
}

// PermissionDenied reports a DISABLED operation.
func PermissionDenied(tool, level string) *Error {
	return &Error{
		Kind:    KindPermission,
		Code:    CodePermissionDenied,
		Message: fmt.Sprintf("Permission denied for tool %s (level %s)", tool, level),
		Details: map[string]any{"tool": tool, "permission": level},
	}
}

// InvalidToken reports a rejected ACL token.
func InvalidToken(err error) *Error {
	return &Error{Kind: KindPermission, Code: CodeInvalidToken, Message: err.Error(), Cause: err}
}

// Timeout reports an exceeded per-call bound.
func Timeout(tool string, bound fmt.Stringer) *Error {
	return &Error{
		Kind:    KindTimeout,
		Code:    CodeTimeout,
		Message: fmt.Sprintf("tool %s timed out after %s", tool, bound),
		Details: map[string]any{"tool": tool, "timeout": bound.String()},
	}
}

// Storage wraps a persistence failure.
func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Code: CodeStorage, Message: op + " failed", Cause: err}
}

// ExecutionFailed wraps an unclassified handler failure.
func ExecutionFailed(tool string, err error) *Error {
	return &Error{
		Kind:    KindTool,
		Code:    CodeToolExecutionFailed,
		Message: fmt.Sprintf("Tool execution failed: %v", err),
		Details: map[string]any{"tool": tool, "type": fmt.Sprintf("%T", err)},
		Cause:   err,
	}
}

// AsError classifies any error. *Error values pass through; deadline
// errors become timeouts; everything else is a tool execution failure.
func AsError(tool string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Kind:    KindTimeout,
			Code:    CodeTimeout,
			Message: fmt.Sprintf("tool %s timed out", tool),
			Details: map[string]any{"tool": tool},
			Cause:   err,
		}
	}
	return ExecutionFailed(tool, err)
}
