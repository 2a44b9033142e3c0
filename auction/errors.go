package auction

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("validation error")
	ErrStateConflict  = errors.New("state conflict")
	ErrBelowMinimum   = errors.New("below minimum")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrDeadlinePassed = errors.New("deadline passed")

	// ErrVersionMismatch 表示其他寫入先完成提交，呼叫者需要重新讀取狀態後重試
	ErrVersionMismatch = fmt.Errorf("%w: version mismatch", ErrStateConflict)
)

// Kind 是回傳給呼叫者的錯誤分類
type Kind string

const (
	KindValidation     Kind = "ValidationError"
	KindStateConflict  Kind = "StateConflict"
	KindBelowMinimum   Kind = "BelowMinimum"
	KindForbidden      Kind = "Forbidden"
	KindNotFound       Kind = "NotFound"
	KindDeadlinePassed Kind = "DeadlinePassed"
	KindInternal       Kind = "Internal"
)

// KindOf 將錯誤分類成對外的錯誤種類，無法分類的錯誤視為內部錯誤
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrStateConflict):
		return KindStateConflict
	case errors.Is(err, ErrBelowMinimum):
		return KindBelowMinimum
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrDeadlinePassed):
		return KindDeadlinePassed
	default:
		return KindInternal
	}
}

// IsRetriable 回傳錯誤是否來自並發提交的版本衝突
// 只有這種錯誤應該由呼叫者重新整理狀態後再送出
func IsRetriable(err error) bool {
	return errors.Is(err, ErrVersionMismatch)
}

func reject(op string, kind error, format string, args ...any) error {
	return fmt.Errorf("[%s] %w: %s", op, kind, fmt.Sprintf(format, args...))
}
