package documents

// State is the classification of a write against the stored version.
type State string

const (
	// StateClean means the base version equals the stored version; the write applies in place.
	StateClean State = "clean"
	// StateStale means the base version is behind; the write becomes a conflict copy.
	StateStale State = "stale"
	// StateInvalid means the base version is ahead of the server; the write is rejected.
	StateInvalid State = "invalid"
)

// Classify compares a write's base version with the stored version.
func Classify(storedVersion, baseVersion int64) State {
	switch {
	case baseVersion == storedVersion:
		return StateClean
	case baseVersion < storedVersion:
		return StateStale
	default:
		return StateInvalid
	}
}
