package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	v, c, d := Info()
	if v == "" || c == "" || d == "" {
		t.Fatalf("version info should not be empty: v=%q c=%q d=%q", v, c, d)
	}
	if got := GetVersion(); got != v {
		t.Errorf("GetVersion (%s) should match Info version (%s)", got, v)
	}
}

func TestString(t *testing.T) {
	s := String()
	for _, part := range []string{"version=", "commit=", "date="} {
		if !strings.Contains(s, part) {
			t.Errorf("String should contain %q, got %q", part, s)
		}
	}
}
