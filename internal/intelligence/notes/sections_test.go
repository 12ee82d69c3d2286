package notes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sectionedNotes = `Patient seen today.
CC
Lower back pain for 2 weeks

HPI:
Started after lifting boxes.
Worse in the morning.
es
Stress at work, stress 6/10
Sleep
Wakes at 3am
Temp
Cold hands and feet
Points
Plan
Return in 1 week`

func TestParseSections(t *testing.T) {
	sections := ParseSections(sectionedNotes)
	labels := make([]string, 0, len(sections))
	for _, s := range sections {
		labels = append(labels, s.Label)
	}
	assert.Equal(t, []string{"CC", "HPI", "ES", "Sleep", "Temp", "Plan"}, labels)

	hpi, ok := sections.Get("hpi")
	require.True(t, ok)
	assert.Equal(t, "Started after lifting boxes.\nWorse in the morning.", hpi)

	_, ok = sections.Get("Points")
	assert.False(t, ok, "sections without content are dropped")
}

func TestParseSections_NoLabels(t *testing.T) {
	assert.Empty(t, ParseSections("free text without any headings"))
	assert.Empty(t, ParseSections(""))
}

func TestSection_ReviewKey(t *testing.T) {
	assert.Equal(t, "temperature", Section{Label: "Temp"}.ReviewKey())
	assert.Equal(t, "sleep", Section{Label: "Sleep"}.ReviewKey())
	assert.Equal(t, "", Section{Label: "HPI"}.ReviewKey())
	assert.Equal(t, "", Section{Label: "Pulse"}.ReviewKey())
}

func TestExtractStressLevel(t *testing.T) {
	cases := map[string]string{
		"stress 7/10":                                  "7/10",
		"Stress level: 10/10 at work":                  "10/10",
		"high STRESS (8 / 10)":                         "8/10",
		"stress=4/10":                                  "4/10",
		"pain 7/10":                                    "",
		"stressed out":                                 "",
		"Stress: low, but back pain 8/10 when bending": "",
		"Stressful job. Pain 6/10":                     "",
		"stress 35/100 on the PSS scale":               "",
	}
	for in, want := range cases {
		assert.Equal(t, want, ExtractStressLevel(in), in)
	}
}

func TestStressLevelFromNotes(t *testing.T) {
	assert.Equal(t, "6/10", StressLevelFromNotes(sectionedNotes))
	assert.Equal(t, "4/10", StressLevelFromNotes("no sections, stress 4/10"))
	assert.Equal(t, "", StressLevelFromNotes("nothing here"))
}
