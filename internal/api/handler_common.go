package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

func parsePaginationOrWriteInvalid(w http.ResponseWriter, r *http.Request) (Pagination, bool) {
	pg, err := ParsePagination(r)
	if err != nil {
		writeValidationError(w, err.Error())
		return Pagination{}, false
	}
	return pg, true
}

func parseSortingOrWriteInvalid(
	w http.ResponseWriter,
	r *http.Request,
	allowed []string,
	defaultField string,
	defaultOrder string,
) (Sorting, bool) {
	s, err := ParseSorting(r, allowed, defaultField, defaultOrder)
	if err != nil {
		writeValidationError(w, err.Error())
		return Sorting{}, false
	}
	return s, true
}

func readRawBodyOrWriteInvalid(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil {
		writeValidationError(w, "request body is required")
		return nil, false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writePayloadTooLarge(w, maxErr.Limit)
			return nil, false
		}
		writeValidationError(w, "failed to read body")
		return nil, false
	}
	return body, true
}

func decodeBodyOrWriteInvalid(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := DecodeBody(r, v); err != nil {
		writeDecodeBodyError(w, err)
		return false
	}
	return true
}

func requireUUIDPathParam(w http.ResponseWriter, r *http.Request, paramName, fieldName string) (string, bool) {
	value := PathParam(r, paramName)
	if !ValidateUUID(value) {
		writeValidationError(w, fmt.Sprintf("%s: must be a valid UUID", fieldName))
		return "", false
	}
	return value, true
}

func requireNonEmptyPathParam(w http.ResponseWriter, r *http.Request, paramName, fieldName string) (string, bool) {
	value := PathParam(r, paramName)
	if value == "" {
		writeValidationError(w, fmt.Sprintf("%s: must not be empty", fieldName))
		return "", false
	}
	return value, true
}
