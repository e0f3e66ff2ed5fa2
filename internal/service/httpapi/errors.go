package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
)

const internalMessage = "internal server error"

type errorBody struct {
	Kind        domain.ErrorKind     `json:"kind"`
	Message     string               `json:"message"`
	AllowedNext []domain.OrderStatus `json:"allowedNext,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// statusFor сопоставляет вид доменной ошибки с HTTP-статусом.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation, domain.KindSignatureInvalid:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindUnprocessableTransition, domain.KindUnprocessable,
		domain.KindAmountMismatch, domain.KindCurrencyMismatch, domain.KindNotCaptured:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// encodeError строит тело ответа. Детали internal и configuration наружу не отдаются.
func encodeError(logger *log.Entry, err error) (int, []byte) {
	kind := domain.KindOf(err)
	status := statusFor(kind)

	body := errorBody{Kind: kind, Message: err.Error()}
	var de *domain.Error
	if errors.As(err, &de) {
		if de.Message != "" {
			body.Message = de.Message
		}
		body.AllowedNext = de.AllowedNext
	}
	if status >= http.StatusInternalServerError {
		logger.WithError(err).WithField("kind", kind).Error("request failed")
		body = errorBody{Kind: kind, Message: internalMessage}
		if kind == domain.KindConfiguration {
			body.Message = "service is not configured for this operation"
		}
	}

	raw, mErr := json.Marshal(errorEnvelope{Error: body})
	if mErr != nil {
		return http.StatusInternalServerError, []byte(`{"error":{"kind":"internal","message":"internal server error"}}`)
	}
	return status, raw
}

func writeError(w http.ResponseWriter, logger *log.Entry, err error) {
	status, body := encodeError(logger, err)
	writeRaw(w, status, body)
}

func encodeJSON(status int, v any) (int, []byte) {
	raw, err := json.Marshal(v)
	if err != nil {
		return http.StatusInternalServerError, []byte(`{"error":{"kind":"internal","message":"internal server error"}}`)
	}
	return status, raw
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	code, body := encodeJSON(status, v)
	writeRaw(w, code, body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
