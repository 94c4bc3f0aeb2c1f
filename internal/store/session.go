package store

import (
	"crypto/sha256"
	"fmt"
)

// DeriveSessionID computes the opaque per-patient-per-day session key used to
// correlate a patient's stops across queues. The Postgres store prefers an
// existing session id from one of the patient's active same-day entries and
// falls back to this derivation.
func DeriveSessionID(patientID, day string) string {
	sum := sha256.Sum256([]byte(patientID + "|" + day))
	return fmt.Sprintf("%x", sum)
}
