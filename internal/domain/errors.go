package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind классифицирует доменные ошибки; по нему HTTP-слой выбирает статус ответа.
type ErrorKind string

const (
	KindValidation              ErrorKind = "validation"
	KindNotFound                ErrorKind = "not_found"
	KindConflict                ErrorKind = "conflict"
	KindUnprocessableTransition ErrorKind = "unprocessable_transition"
	KindUnprocessable           ErrorKind = "unprocessable"
	KindSignatureInvalid        ErrorKind = "signature_invalid"
	KindAmountMismatch          ErrorKind = "amount_mismatch"
	KindCurrencyMismatch        ErrorKind = "currency_mismatch"
	KindNotCaptured             ErrorKind = "not_captured"
	KindConfiguration           ErrorKind = "configuration"
	KindInternal                ErrorKind = "internal"
)

// Error: структурированная ошибка ядра: машинно-читаемый Kind плюс сообщение для клиента.
type Error struct {
	Kind    ErrorKind
	Message string
	// AllowedNext заполняется только для KindUnprocessableTransition.
	AllowedNext []OrderStatus
	Err         error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сравнивает ошибки по Kind, если у цели нет сообщения (kind-sentinel),
// иначе требует совпадения и Kind, и Message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// Kind-sentinels для errors.Is.
var (
	ErrValidation              = &Error{Kind: KindValidation}
	ErrNotFound                = &Error{Kind: KindNotFound}
	ErrConflict                = &Error{Kind: KindConflict}
	ErrUnprocessableTransition = &Error{Kind: KindUnprocessableTransition}
	ErrUnprocessable           = &Error{Kind: KindUnprocessable}
	ErrSignatureInvalid        = &Error{Kind: KindSignatureInvalid}
	ErrAmountMismatch          = &Error{Kind: KindAmountMismatch}
	ErrCurrencyMismatch        = &Error{Kind: KindCurrencyMismatch}
	ErrNotCaptured             = &Error{Kind: KindNotCaptured}
	ErrConfiguration           = &Error{Kind: KindConfiguration}
)

var (
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = &Error{Kind: KindNotFound, Message: "order not found"}
	// ErrOrderAlreadyExists возвращается при повторном Create с тем же ID.
	ErrOrderAlreadyExists = &Error{Kind: KindConflict, Message: "order already exists"}
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = &Error{Kind: KindConflict, Message: "order version conflict"}
	// ErrOrderLocked — не удалось взять блокировку заказа за отведённое время.
	ErrOrderLocked = &Error{Kind: KindConflict, Message: "order is locked by another operation"}

	ErrIdempotencyKeyRequired         = &Error{Kind: KindValidation, Message: "idempotency key is required"}
	ErrIdempotencyRequestHashRequired = &Error{Kind: KindValidation, Message: "idempotency request hash is required"}
	ErrIdempotencyKeyAlreadyExists    = &Error{Kind: KindConflict, Message: "idempotency key already exists"}
	ErrIdempotencyHashMismatch        = &Error{Kind: KindConflict, Message: "idempotency key reused with a different request"}
	ErrIdempotencyKeyNotFound         = &Error{Kind: KindNotFound, Message: "idempotency key not found"}

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// Validationf строит ошибку валидации входных данных.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Conflictf строит ошибку конфликта состояния.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Unprocessablef строит ошибку для операции, которую нельзя выполнить над текущим состоянием.
func Unprocessablef(format string, args ...any) *Error {
	return &Error{Kind: KindUnprocessable, Message: fmt.Sprintf(format, args...)}
}

// NewTransitionError описывает недопустимый переход и перечисляет легальные следующие статусы.
func NewTransitionError(from, to OrderStatus) *Error {
	next := from.AllowedNext()
	names := make([]string, 0, len(next))
	for _, s := range next {
		names = append(names, string(s))
	}
	allowed := strings.Join(names, ", ")
	if allowed == "" {
		allowed = "none"
	}
	return &Error{
		Kind:        KindUnprocessableTransition,
		Message:     fmt.Sprintf("cannot change status from %s to %s; allowed: %s", from, to, allowed),
		AllowedNext: next,
	}
}

// KindOf извлекает Kind из цепочки ошибок; всё неклассифицированное считается internal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}
