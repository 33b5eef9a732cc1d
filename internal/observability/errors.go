package observability

import (
	"errors"
	"fmt"
)

// JoinErrors drops nil entries, logs the rest once on logger and returns them joined
// under op. It returns nil when nothing failed.
func JoinErrors(logger Logger, op string, errs ...error) error {
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	joined := errors.Join(failed...)
	Or(logger).Error(op+" failed",
		F("operation", op),
		F("error_count", len(failed)),
		Err(joined))
	return fmt.Errorf("%s: %w", op, joined)
}
