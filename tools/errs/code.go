package errs

const (
	ValidationError     = 1400 // 帧格式/参数错误
	Unauthenticated     = 1401 // 未完成握手
	Forbidden           = 1403 // 非房间成员等
	NotFound            = 1404
	IntegrityError      = 1422 // 解密校验失败
	AdmissionDenied     = 1429 // 限流拒绝，携带 RetryAfter
	ServerInternalError = 1500
	ConnectionLost      = 1503
	StoreUnavailable    = 1504
)

var (
	ErrValidation       = NewCodeError(ValidationError, "ValidationError")
	ErrUnauthenticated  = NewCodeError(Unauthenticated, "Unauthenticated")
	ErrForbidden        = NewCodeError(Forbidden, "Forbidden")
	ErrNotFound         = NewCodeError(NotFound, "NotFound")
	ErrIntegrity        = NewCodeError(IntegrityError, "IntegrityError")
	ErrAdmissionDenied  = NewCodeError(AdmissionDenied, "AdmissionDenied")
	ErrInternal         = NewCodeError(ServerInternalError, "ServerInternalError")
	ErrConnectionLost   = NewCodeError(ConnectionLost, "ConnectionLost")
	ErrStoreUnavailable = NewCodeError(StoreUnavailable, "StoreUnavailable")
)

// WireCode 对外暴露的错误名（error 帧中的 code 字段）
func WireCode(code int) string {
	switch code {
	case ValidationError:
		return "validation_error"
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case IntegrityError:
		return "content_unavailable"
	case AdmissionDenied:
		return "rate_limited"
	case ConnectionLost:
		return "connection_lost"
	case StoreUnavailable:
		return "store_unavailable"
	default:
		return "internal_error"
	}
}

// FromWireCode 客户端把 error 帧还原为 CodeError
func FromWireCode(s string) CodeError {
	switch s {
	case "validation_error":
		return ErrValidation
	case "unauthenticated":
		return ErrUnauthenticated
	case "forbidden":
		return ErrForbidden
	case "not_found":
		return ErrNotFound
	case "content_unavailable":
		return ErrIntegrity
	case "rate_limited":
		return ErrAdmissionDenied
	case "connection_lost":
		return ErrConnectionLost
	case "store_unavailable":
		return ErrStoreUnavailable
	default:
		return ErrInternal
	}
}
