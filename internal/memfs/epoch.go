package memfs

import (
	"os"
	"strconv"
	"time"
)

// sourceDateEpoch reads SOURCE_DATE_EPOCH (spec.md §6's Environment
// section) and returns the corresponding UTC time, or the zero time if
// unset or unparsable. Producers that need reproducible output call
// this instead of time.Now() for any emitted timestamp (spec.md §9,
// "Deterministic ordering").
func sourceDateEpoch() time.Time {
	v, ok := os.LookupEnv("SOURCE_DATE_EPOCH")
	if !ok {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// DefaultMTime returns SOURCE_DATE_EPOCH if set, otherwise fallback.
// Producers call this with their own clock policy as fallback (spec.md
// §3, "Timestamps default to the SOURCE_DATE_EPOCH environment value if
// set... otherwise to a producer-defined policy").
func DefaultMTime(fallback time.Time) time.Time {
	if t := sourceDateEpoch(); !t.IsZero() {
		return t
	}
	return fallback
}
