// Package svcerr carries the coded service error used across the sync services.
package svcerr

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ServiceError wraps a failure cause with a stable "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code surfaced to HTTP clients.
func (e *ServiceError) Code() string {
	return e.code
}

// New builds a ServiceError for the operation and reason.
func New(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// CodeOf extracts the service error code, or returns an empty string.
func CodeOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}

// Log emits the service failure with operation and reason fields.
func Log(logger *zap.Logger, message, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		return
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error(message, attrs...)
}

// Fail logs the failure and returns the matching ServiceError.
func Fail(logger *zap.Logger, message, operation, reason string, err error, fields ...zap.Field) error {
	Log(logger, message, operation, reason, err, fields...)
	return New(operation, reason, err)
}
