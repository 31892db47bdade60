package types //nolint:revive // types is a valid package name

import "testing"

func TestRequestClass_Precedence(t *testing.T) {
	classes := RequestClasses()
	for i := 1; i < len(classes); i++ {
		if classes[i-1].Precedence() >= classes[i].Precedence() {
			t.Errorf("%s should precede %s", classes[i-1], classes[i])
		}
	}
	if RequestClass("batch").Precedence() <= ClassPrefetch.Precedence() {
		t.Error("unknown class should rank after prefetch")
	}
}

func TestParseRequestClass(t *testing.T) {
	for _, in := range []string{"interactive", "Thumbnail", "PREFETCH"} {
		if _, err := ParseRequestClass(in); err != nil {
			t.Errorf("ParseRequestClass(%q): %v", in, err)
		}
	}
	if _, err := ParseRequestClass("urgent"); err == nil {
		t.Error("expected error for unknown class")
	}
}
