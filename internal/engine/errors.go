package engine

import "strings"

// Resume-failure detection. The agent CLI has no structured
// "session not found" event, so this is a keyword heuristic over the
// combined output of a non-zero exit: the text must mention the session
// machinery AND a failure to use it. Conservative on purpose — a false
// positive costs one extra fresh-session run, a false negative only loses
// the fallback notice.

var resumeSubjectNeedles = []string{"resume", "session", "conversation"}

var resumeFailureNeedles = []string{
	"not found",
	"no such",
	"invalid",
	"unable to resume",
	"could not resume",
	"cannot resume",
	"expired",
	"does not exist",
	"unknown session",
}

// looksLikeResumeFailure reports whether combined subprocess output reads
// like a failed --resume, which triggers the engine's one-shot
// fresh-session fallback.
func looksLikeResumeFailure(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	subject := false
	for _, n := range resumeSubjectNeedles {
		if strings.Contains(lower, n) {
			subject = true
			break
		}
	}
	if !subject {
		return false
	}
	for _, n := range resumeFailureNeedles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
