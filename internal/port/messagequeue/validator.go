package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Strob0t/SiteForge/internal/domain/event"
)

// Validate checks whether data is valid JSON and, for event subjects, that
// it decodes into an event envelope whose type matches the subject.
// Unknown subjects only need to be valid JSON; dead-letter subjects are
// never validated.
func Validate(subject string, data []byte) error {
	if strings.HasSuffix(subject, DLQSuffix) {
		return nil
	}
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	if !isEventSubject(subject) {
		return nil
	}

	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	if string(ev.Type) != subject {
		return fmt.Errorf("event type %s does not match subject %s", ev.Type, subject)
	}
	return nil
}

func isEventSubject(subject string) bool {
	for _, p := range event.StreamSubjects {
		if MatchSubject(p, subject) {
			return true
		}
	}
	return strings.HasPrefix(subject, "agent.")
}
