package messagequeue

import "strings"

// DLQSuffix is appended to a subject to form its dead-letter subject.
const DLQSuffix = ".dlq"

// MatchSubject reports whether subject matches a NATS-style pattern.
// "*" matches exactly one token and a trailing ">" matches one or more.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// WorkerSubject is the request subject for a remote agent worker.
func WorkerSubject(agentID string) string {
	return "workers." + agentID
}
