package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
)

// Code is an API error code from the spec §6 error-code table.
type Code string

const (
	CodeValidationError    Code = "VALIDATION_ERROR"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodePendingImport      Code = "PENDING_IMPORT"
	CodeNoStock            Code = "NO_STOCK"
	CodeRateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CodeInternalError      Code = "INTERNAL_ERROR"
)

// statusForCode maps an API error code to the HTTP status the spec's §6
// table pins it to.
func statusForCode(code Code) int {
	switch code {
	case CodeValidationError:
		return http.StatusUnprocessableEntity
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodePendingImport:
		return http.StatusAccepted
	case CodeNoStock:
		return http.StatusConflict
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeCodedError writes an error response using the spec §6 code table to
// pick the HTTP status.
func writeCodedError(w http.ResponseWriter, code Code, message string) {
	WriteError(w, statusForCode(code), string(code), message)
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeCodedError(w, CodeValidationError, message)
}

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	msg := "request body too large"
	if limit > 0 {
		msg = "request body too large (max " + strconv.FormatInt(limit, 10) + " bytes)"
	}
	writeCodedError(w, CodeValidationError, msg)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.Limit)
		return
	}
	writeValidationError(w, err.Error())
}

func writeInternalError(w http.ResponseWriter, err error) {
	log.Printf("[api] internal error: %v", err)
	writeCodedError(w, CodeInternalError, "internal error")
}
