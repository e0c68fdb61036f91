package video

import (
	"context"
	"errors"
	"strings"

	"github.com/coview-labs/coview/pkg/core"
)

// FailureClass buckets a capture error for the retry policy.
type FailureClass int

const (
	// FailureTransient: worth retrying against the same target.
	FailureTransient FailureClass = iota
	// FailureDetached: the capture target went away; reattach to the
	// currently active tab.
	FailureDetached
	// FailureInvalid: the target exists but can no longer be captured.
	FailureInvalid
)

// Classify buckets a capture error. Detached and invalid targets count
// against the consecutive-failure budget; transient errors only count when
// they repeat.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureTransient
	}
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		switch coreErr.Code {
		case core.CodeTargetDetached:
			return FailureDetached
		case core.CodeTargetInvalid, core.CodePrivilegedURL:
			return FailureInvalid
		}
	}
	if errors.Is(err, context.Canceled) {
		return FailureDetached
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "detached"),
		strings.Contains(msg, "no such target"),
		strings.Contains(msg, "target closed"):
		return FailureDetached
	case strings.Contains(msg, "not attached"),
		strings.Contains(msg, "invalid target"),
		strings.Contains(msg, "session closed"):
		return FailureInvalid
	default:
		return FailureTransient
	}
}

// privilegedSchemes are URL schemes capture must never attach to. Navigation
// of the monitored tab into one forces a detach.
var privilegedSchemes = []string{
	"chrome://",
	"chrome-extension://",
	"devtools://",
	"edge://",
	"about:",
	"view-source:",
}

// IsPrivilegedURL reports whether the URL lives in a scheme capture cannot
// legally attach to.
func IsPrivilegedURL(url string) bool {
	lower := strings.ToLower(strings.TrimSpace(url))
	for _, scheme := range privilegedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}
