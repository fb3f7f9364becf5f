package buildinfo

import (
	"runtime"
	"strings"
	"testing"
)

func TestCurrent(t *testing.T) {
	info := Current()
	if info.Version != Version {
		t.Errorf("Version = %q, want %q", info.Version, Version)
	}
	if info.Platform != runtime.GOOS+"/"+runtime.GOARCH {
		t.Errorf("Platform = %q", info.Platform)
	}
	if !strings.HasPrefix(String(), "Study Buddy "+Version) {
		t.Errorf("String() = %q", String())
	}
	if UserAgent() != "studybuddy/"+Version {
		t.Errorf("UserAgent() = %q", UserAgent())
	}
}
