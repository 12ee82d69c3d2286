package acupuncture

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

func TestFormatAnnotation(t *testing.T) {
	cases := []struct {
		name    string
		point   note.FlatPoint
		def     note.Side
		want    string
		present bool
	}{
		{"side matches default", note.FlatPoint{Name: "LV-3", Side: note.SideLeft, Method: note.MethodTonify}, note.SideLeft, "T", true},
		{"side differs", note.FlatPoint{Name: "LV-3", Side: note.SideRight}, note.SideLeft, "Right", true},
		{"side and method", note.FlatPoint{Name: "GB-30", Side: note.SideRight, Method: note.MethodReduce}, note.SideBoth, "Right R", true},
		{"nothing set", note.FlatPoint{Name: "BL-23"}, note.SideBoth, "", false},
		{"side equals default only", note.FlatPoint{Name: "BL-23", Side: note.SideBoth}, note.SideBoth, "", false},
		{"even", note.FlatPoint{Name: "ST-36", Method: note.MethodEven}, note.SideBoth, "E", true},
		{"no default", note.FlatPoint{Name: "ST-36", Side: note.SideBoth}, note.SideNone, "Both", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := FormatAnnotation(tc.point, tc.def)
			assert.Equal(t, tc.present, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFormatAnnotation_DoesNotMutate(t *testing.T) {
	p := note.FlatPoint{Name: "LV-3", Side: note.SideLeft, Method: note.MethodTonify}
	FormatAnnotation(p, note.SideLeft)
	assert.Equal(t, note.SideLeft, p.Side)
}

func TestFormatPoint(t *testing.T) {
	assert.Equal(t, "BL-25 (T)", FormatPoint(note.FlatPoint{Name: "BL-25", Method: note.MethodTonify}, note.SideBoth))
	assert.Equal(t, "GB-30 (Right)", FormatPoint(note.FlatPoint{Name: "GB-30", Side: note.SideRight}, note.SideBoth))
	assert.Equal(t, "BL-23", FormatPoint(note.FlatPoint{Name: "BL-23"}, note.SideBoth))
}

func TestFormatRegions(t *testing.T) {
	regions := OrganizeByRegion([]note.FlatPoint{
		{Name: "BL-23"},
		{Name: "BL-25", Method: note.MethodTonify},
		{Name: "GB-30", Side: note.SideRight},
	})
	assert.Equal(t, []string{
		"Back: BL-23, BL-25 (T)",
		"Hip: GB-30 (Right)",
	}, FormatRegions(regions, note.SideBoth))
}
