package prompts

import (
	"strings"
	"testing"
	"time"
)

func TestSystemPrompt(t *testing.T) {
	now := time.Date(2026, 10, 18, 14, 30, 0, 0, time.UTC)
	got := SystemPrompt(now)

	for _, want := range []string{
		"You are Study Buddy",
		"2026-10-18T14:30:00Z",
		`"type": "delayed"`,
		"scheduleStudyReminder",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("SystemPrompt() missing %q", want)
		}
	}
	if !strings.HasPrefix(got, BaseSystemPrompt()) {
		t.Error("SystemPrompt() should start with the base persona")
	}
}
