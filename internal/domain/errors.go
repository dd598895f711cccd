package domain

import (
	"errors"
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// HTTPError 可以映射到 HTTP 状态码的错误。
type HTTPError interface {
	error
	StatusCode() int
}

// 哨兵错误，配合 errors.Is 使用。
var (
	ErrNotFound             = errors.New("conversation not found")
	ErrNotLoaded            = errors.New("conversation not loaded")
	ErrCheckpointPending    = errors.New("checkpoint rating pending")
	ErrNoCheckpoint         = errors.New("no checkpoint rating requested")
	ErrInFlight             = errors.New("conversation step already in flight")
	ErrNothingToContinue    = errors.New("conversation has nothing to continue")
	ErrCustomNotAllowed     = errors.New("custom message not allowed at this step")
	ErrConversationFinished = errors.New("conversation finished")
	ErrInvalidMagicLink     = errors.New("invalid magic link")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrClosed               = errors.New("client closed")
	ErrNoSuggestionSelected = errors.New("no suggestion selected")
	ErrProvisional          = errors.New("conversation is still provisional")
	ErrAwaitingUser         = errors.New("conversation is waiting for the user")
)

// ProtocolViolation 表示客户端与服务端契约不一致：未知的回复类型、越界的索引等。
// 这类错误应当大声失败，而不是静默忽略。
type ProtocolViolation struct {
	What string
}

func (e *ProtocolViolation) Error() string { return "protocol violation: " + e.What }

// StatusCode maps a violation to 422 for the local bridge.
func (e *ProtocolViolation) StatusCode() int { return http.StatusUnprocessableEntity }

// Violationf 构造一个 ProtocolViolation。
func Violationf(format string, args ...any) error {
	return &ProtocolViolation{What: fmt.Sprintf(format, args...)}
}

// IsProtocolViolation reports whether err carries a ProtocolViolation.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolation
	return errors.As(err, &pv)
}

// RequestFailure 表示服务端返回了非 2xx 状态，不自动重试，由调用方决定是否重发。
type RequestFailure struct {
	Method string
	Path   string
	Status int
	Detail string
}

func (e *RequestFailure) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Detail)
}

// StatusCode returns the upstream status so the bridge can pass it through.
func (e *RequestFailure) StatusCode() int { return e.Status }

// UpstreamStatus 返回 err 中远端请求失败的状态码，没有时返回 0。
func UpstreamStatus(err error) int {
	var failure *RequestFailure
	if errors.As(err, &failure) {
		return failure.Status
	}
	return 0
}

// StatusFor 返回错误对应的 HTTP 状态码，未知错误返回 500。
func StatusFor(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	if isValidation(err) {
		return http.StatusBadRequest
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotLoaded),
		errors.Is(err, ErrCheckpointPending),
		errors.Is(err, ErrNoCheckpoint),
		errors.Is(err, ErrInFlight),
		errors.Is(err, ErrNothingToContinue),
		errors.Is(err, ErrConversationFinished),
		errors.Is(err, ErrNoSuggestionSelected),
		errors.Is(err, ErrProvisional),
		errors.Is(err, ErrAwaitingUser):
		return http.StatusConflict
	case errors.Is(err, ErrCustomNotAllowed):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidMagicLink), errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isValidation(err error) bool {
	var fields validation.Errors
	var rule validation.Error
	return errors.As(err, &fields) || errors.As(err, &rule)
}
