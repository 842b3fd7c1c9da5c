package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "session#abc", SessionKey("abc"))
	assert.Equal(t, "session#abc#msg#00000007", MessageKey("abc", 7))
	assert.Equal(t, "session#abc#msg#", MessagePrefix("abc"))
	assert.Equal(t, "session#abc#spec#00000012", SpecKey("abc", 12))
	assert.Equal(t, "session#abc#spec#", SpecPrefix("abc"))
	assert.Equal(t, "submission#s1", SubmissionKey("s1"))
	assert.Equal(t, "token#t1", TokenKey("t1"))
	assert.Equal(t, "ref#SD-ABC23456", RefKey("SD-ABC23456"))
	assert.Equal(t, "abc", SessionIDFromKey("session#abc"))
}

func TestSequenceKeysSortNumerically(t *testing.T) {
	// zero padding keeps lexicographic order equal to numeric order
	assert.Less(t, MessageKey("abc", 9), MessageKey("abc", 10))
	assert.Less(t, SpecKey("abc", 99), SpecKey("abc", 100))
}

func TestRecordExpired(t *testing.T) {
	now := time.Now()

	var never Record
	assert.False(t, never.Expired(now))

	past := Record{ExpiresAt: now.Add(-time.Second)}
	assert.True(t, past.Expired(now))

	future := Record{ExpiresAt: now.Add(time.Second)}
	assert.False(t, future.Expired(now))

	boundary := Record{ExpiresAt: now}
	assert.True(t, boundary.Expired(now))
}
