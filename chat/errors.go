package chat

import "errors"

var (
	ErrDuplicateIdentity = errors.New("identity already connected")
	ErrEmptyBody         = errors.New("message body is empty")
	ErrNotFound          = errors.New("recipient not connected")
	ErrTransportFailure  = errors.New("transport failure")

	ErrBodyTooLarge      = errors.New("message body too large")
	ErrRateLimited       = errors.New("too many messages")
	ErrNotIdentified     = errors.New("connection not identified")
	ErrAlreadyIdentified = errors.New("connection already identified")
	ErrNotAdmin          = errors.New("admin role required")
	ErrUnauthorized      = errors.New("identity does not match authenticated user")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrUnknownEvent      = errors.New("unknown event type")
	ErrInboundOverflow   = errors.New("inbound queue full")
	ErrSessionReplaced   = errors.New("session replaced by a newer connection")
)

// 错误码，随 error 事件下发给客户端
const (
	CodeEmptyBody         = "emptyBody"
	CodeBodyTooLarge      = "bodyTooLarge"
	CodeRateLimited       = "rateLimited"
	CodeNotIdentified     = "notIdentified"
	CodeAlreadyIdentified = "alreadyIdentified"
	CodeNotAdmin          = "notAdmin"
	CodeUnauthorized      = "unauthorized"
	CodeInvalidPayload    = "invalidPayload"
	CodeUnknownEvent      = "unknownEvent"
	CodeSessionReplaced   = "sessionReplaced"
	CodeDuplicateIdentity = "duplicateIdentity"
	CodeInternal          = "internal"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrEmptyBody, CodeEmptyBody},
	{ErrBodyTooLarge, CodeBodyTooLarge},
	{ErrRateLimited, CodeRateLimited},
	{ErrNotIdentified, CodeNotIdentified},
	{ErrAlreadyIdentified, CodeAlreadyIdentified},
	{ErrNotAdmin, CodeNotAdmin},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrInvalidPayload, CodeInvalidPayload},
	{ErrUnknownEvent, CodeUnknownEvent},
	{ErrSessionReplaced, CodeSessionReplaced},
	{ErrDuplicateIdentity, CodeDuplicateIdentity},
}

// ErrorCode 把错误映射为协议错误码
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}

// fatal 的错误会导致连接关闭
func isFatal(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrDuplicateIdentity) ||
		errors.Is(err, ErrInboundOverflow)
}
