package storage

import (
	"fmt"
	"strings"
)

// Key prefixes discriminate entity types within the single record namespace.
const (
	sessionPrefix    = "session#"
	submissionPrefix = "submission#"
	tokenPrefix      = "token#"
	refPrefix        = "ref#"
)

// seqWidth zero-pads message and version sequence numbers so lexicographic
// key order matches numeric order.
const seqWidth = 8

// SessionKey returns the primary key of a session metadata record.
func SessionKey(sessionID string) string {
	return sessionPrefix + sessionID
}

// MessageKey returns the primary key of one conversation message record.
func MessageKey(sessionID string, seq int) string {
	return fmt.Sprintf("%s%s#msg#%0*d", sessionPrefix, sessionID, seqWidth, seq)
}

// MessagePrefix returns the prefix selecting all messages of a session,
// in append order when queried ascending.
func MessagePrefix(sessionID string) string {
	return sessionPrefix + sessionID + "#msg#"
}

// SpecKey returns the primary key of one specification version record.
func SpecKey(sessionID string, version int) string {
	return fmt.Sprintf("%s%s#spec#%0*d", sessionPrefix, sessionID, seqWidth, version)
}

// SpecPrefix returns the prefix selecting all specification versions of a
// session; the latest version is the first record when queried descending.
func SpecPrefix(sessionID string) string {
	return sessionPrefix + sessionID + "#spec#"
}

// ErrorKey returns the primary key of a session's preserved-error record,
// written when a turn fails mid-flight so the attempt is not lost.
func ErrorKey(sessionID string) string {
	return sessionPrefix + sessionID + "#err"
}

// SessionIDFromKey extracts the session ID from a session metadata key.
func SessionIDFromKey(key string) string {
	return strings.TrimPrefix(key, sessionPrefix)
}

// SubmissionKey returns the primary key of a submission record.
func SubmissionKey(submissionID string) string {
	return submissionPrefix + submissionID
}

// TokenKey returns the secondary-index value for a restoration token.
func TokenKey(token string) string {
	return tokenPrefix + token
}

// RefKey returns the secondary-index value for a submission reference number.
func RefKey(reference string) string {
	return refPrefix + reference
}
