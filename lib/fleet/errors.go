// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"errors"
	"fmt"
)

// Error codes returned by fleet operations. They travel verbatim in
// admin responses so callers can switch on them.
const (
	CodeNoAvailableWorkers  = "NO_AVAILABLE_WORKERS"
	CodeDuplicateWorker     = "DUPLICATE_WORKER"
	CodeUnknownWorker       = "UNKNOWN_WORKER"
	CodeDuplicateConnection = "DUPLICATE_CONNECTION"
	CodeUnknownConnection   = "UNKNOWN_CONNECTION"
	CodeInvalidStrategy     = "INVALID_STRATEGY"
)

// Error is a coded fleet error.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err is a fleet error carrying code.
func IsCode(err error, code string) bool {
	var ferr *Error
	return errors.As(err, &ferr) && ferr.Code == code
}
