package handler

import (
	"errors"
	"net/http"

	"qkd-mail-crypto/internal/domain"
	"qkd-mail-crypto/pkg/httputil"
)

// errorStatus はドメインエラーをHTTPステータスとエラーコードに変換する。
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInsufficientKeys):
		return http.StatusServiceUnavailable, "INSUFFICIENT_KEYS"
	case errors.Is(err, domain.ErrKeyNotFound):
		return http.StatusNotFound, "KEY_NOT_FOUND"
	case errors.Is(err, domain.ErrKeyManagerUnreachable):
		return http.StatusBadGateway, "UNREACHABLE"
	case errors.Is(err, domain.ErrKeyNotAuthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, domain.ErrInvalidTierForOperation):
		return http.StatusBadRequest, "INVALID_TIER"
	case errors.Is(err, domain.ErrInvalidSAEID):
		return http.StatusBadRequest, "INVALID_SAE_ID"
	case errors.Is(err, domain.ErrInvalidKeySize):
		return http.StatusBadRequest, "INVALID_KEY_SIZE"
	case errors.Is(err, domain.ErrInvalidKeyCount):
		return http.StatusBadRequest, "INVALID_KEY_COUNT"
	case errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest, "INVALID_PAYLOAD"
	case errors.Is(err, domain.ErrIntegrityFailure):
		return http.StatusUnprocessableEntity, "INTEGRITY_FAILURE"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// writeError はエラーに応じたレスポンスを返す。内部エラーの詳細は返さない。
func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	httputil.Error(w, status, code, message)
}
