package metadata

import (
	"testing"

	"github.com/justapithecus/framefetch/types"
)

func TestImagePlane(t *testing.T) {
	m := NewMemory()
	g := types.Geometry{Rows: 4, Columns: 5, RowSpacing: 0.7}
	m.AddImagePlane("lode:a", g)
	m.Add(ModuleImagePlane, "lode:ptr", &g)
	m.Add(ModuleImagePlane, "lode:bad", "not geometry")
	m.AddImagePlane("lode:empty", types.Geometry{})

	tests := []struct {
		id   types.Identifier
		want bool
	}{
		{"lode:a", true},
		{"lode:ptr", true},
		{"lode:bad", false},
		{"lode:empty", false},
		{"lode:missing", false},
	}
	for _, tt := range tests {
		got, ok := ImagePlane(m, tt.id)
		if ok != tt.want {
			t.Errorf("ImagePlane(%s) ok=%v, want %v", tt.id, ok, tt.want)
		}
		if ok && got.Rows != 4 {
			t.Errorf("ImagePlane(%s) rows=%d, want 4", tt.id, got.Rows)
		}
	}
}

func TestImagePlane_NilProvider(t *testing.T) {
	if _, ok := ImagePlane(nil, "lode:a"); ok {
		t.Error("nil provider should never resolve")
	}
}

func TestMemory_ModulesAreIndependent(t *testing.T) {
	m := NewMemory()
	m.Add("generalSeriesModule", "lode:a", "CT")
	if _, ok := m.Get(ModuleImagePlane, "lode:a"); ok {
		t.Error("value leaked across modules")
	}
	if v, ok := m.Get("generalSeriesModule", "lode:a"); !ok || v != "CT" {
		t.Errorf("expected CT, got %v", v)
	}
}
