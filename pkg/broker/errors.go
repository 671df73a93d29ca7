package broker

import "errors"

// ErrOracleUnavailable wraps oracle transport failures surfaced during
// negotiation or drift analysis. Validation never returns it; the validator
// absorbs oracle failures into blocked results.
var ErrOracleUnavailable = errors.New("oracle unavailable")
