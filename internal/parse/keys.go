package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	locationKeyPrefix = "location:meeting:"
	participantPrefix = "user:"
	goalKeyPrefix     = "meeting-location:"
	sessionKeyPrefix  = "ws:session:"
)

var (
	locationKeyRe = regexp.MustCompile(`^location:meeting:(\d+)$`)
	fieldRe       = regexp.MustCompile(`^user:(\d+)$`)
)

// LocationKeyPattern matches every per-meeting location hash.
const LocationKeyPattern = locationKeyPrefix + "*"

// LocationKey is the hash holding the latest sample of each participant
// of a meeting.
func LocationKey(meetingID int64) string {
	return locationKeyPrefix + strconv.FormatInt(meetingID, 10)
}

// LocationField is the hash field of one participant inside LocationKey.
func LocationField(participantID int64) string {
	return participantPrefix + strconv.FormatInt(participantID, 10)
}

// GoalKey caches the destination coordinate of a meeting.
func GoalKey(meetingID int64) string {
	return goalKeyPrefix + strconv.FormatInt(meetingID, 10)
}

// SessionKey holds the active connection of an identity.
func SessionKey(identity string) string {
	return sessionKeyPrefix + identity
}

// MeetingIDFromLocationKey extracts the meeting id from a location hash key.
func MeetingIDFromLocationKey(key string) (int64, error) {
	m := locationKeyRe.FindStringSubmatch(strings.TrimSpace(key))
	if len(m) != 2 {
		return 0, fmt.Errorf("unable to parse location key: %q", key)
	}
	return strconv.ParseInt(m[1], 10, 64)
}

// ParticipantIDFromField extracts the participant id from a hash field.
func ParticipantIDFromField(field string) (int64, error) {
	m := fieldRe.FindStringSubmatch(strings.TrimSpace(field))
	if len(m) != 2 {
		return 0, fmt.Errorf("unable to parse location field: %q", field)
	}
	return strconv.ParseInt(m[1], 10, 64)
}
