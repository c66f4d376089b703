package domain

import (
	"fmt"
	"strings"
)

// PostStatus is the lifecycle state of a scheduled post.
type PostStatus string

const (
	StatusScheduled  PostStatus = "scheduled"
	StatusGenerating PostStatus = "generating"
	StatusReady      PostStatus = "ready"
	StatusPosting    PostStatus = "posting"
	StatusPosted     PostStatus = "posted"
	StatusFailed     PostStatus = "failed"
)

var allStatuses = []PostStatus{
	StatusScheduled,
	StatusGenerating,
	StatusReady,
	StatusPosting,
	StatusPosted,
	StatusFailed,
}

// ParsePostStatus rejects anything outside the closed set.
func ParsePostStatus(s string) (PostStatus, error) {
	v := PostStatus(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range allStatuses {
		if st == v {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown post status %q", s)
}

func (s PostStatus) String() string { return string(s) }

// Terminal reports whether no further transition is allowed.
func (s PostStatus) Terminal() bool { return s == StatusPosted || s == StatusFailed }

// Live posts occupy their (user, scheduled_at) slot.
func (s PostStatus) Live() bool { return s != StatusFailed }

var forward = map[PostStatus]PostStatus{
	StatusScheduled:  StatusGenerating,
	StatusGenerating: StatusReady,
	StatusReady:      StatusPosting,
	StatusPosting:    StatusPosted,
}

// CanTransition encodes the lifecycle: strictly forward one step at a time,
// or to failed from any non-terminal state.
func CanTransition(from, to PostStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return forward[from] == to
}
