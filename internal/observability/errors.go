package observability

import (
	"errors"
	"fmt"

	tcerrs "github.com/coachpo/tradecore/errs"
)

// ReportErrors logs the non-nil errors of one operation as a single entry,
// tagging each with its engine error code, and returns how many were logged.
func ReportErrors(operation string, errs []error, fields ...Field) int {
	messages := make([]string, 0, len(errs))
	codes := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		messages = append(messages, err.Error())
		code := string(tcerrs.CodeOf(err))
		if code == "" {
			code = "uncoded"
		}
		codes = append(codes, code)
	}
	if len(messages) == 0 {
		return 0
	}
	logFields := make([]Field, 0, len(fields)+4)
	logFields = append(logFields, fields...)
	logFields = append(logFields,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(messages)},
		Field{Key: "error_codes", Value: codes},
		Field{Key: "errors", Value: messages},
	)
	Log().Error("operation errors", logFields...)
	return len(messages)
}

// AggregateErrors reports errs and returns them joined under operation, or nil.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	if ReportErrors(operation, errs, fields...) == 0 {
		return nil
	}
	return fmt.Errorf("%s failed: %w", operation, errors.Join(errs...))
}
