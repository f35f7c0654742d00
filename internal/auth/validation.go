package auth

import "time"

type validationOutcome string

const (
	validationOutcomeAuthorized validationOutcome = "authorized"
	validationOutcomeUnknown    validationOutcome = "unknown"
	validationOutcomeRevoked    validationOutcome = "revoked"
	validationOutcomeExpired    validationOutcome = "expired"
	validationOutcomeError      validationOutcome = "error"
)

// outcomeFor classifies a stored record at now.
func outcomeFor(record APIKey, now time.Time) validationOutcome {
	switch record.Status(now) {
	case StatusRevoked:
		return validationOutcomeRevoked
	case StatusExpired:
		return validationOutcomeExpired
	default:
		return validationOutcomeAuthorized
	}
}

// negative reports whether the outcome may be cached.
func (o validationOutcome) negative() bool {
	switch o {
	case validationOutcomeUnknown, validationOutcomeRevoked, validationOutcomeExpired:
		return true
	default:
		return false
	}
}
