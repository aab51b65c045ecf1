package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Compile-time interface assertions.
var (
	_ Entity   = Sensation{}
	_ Entity   = Impression{}
	_ Entity   = Intention{}
	_ Entity   = MotorCall{}
	_ Entity   = Completion{}
	_ Entity   = Interruption{}
	_ Entity   = Lifecycle{}
	_ Stimulus = Sensation{}
	_ Stimulus = Impression{}
)

func TestSensationDedupKey(t *testing.T) {
	when := time.Date(2025, 3, 9, 12, 0, 0, 150_000_000, time.UTC)
	a := Sensation{ID: NewID(), Timestamp: when, Source: Source{Modality: "chat"}, Text: "hello"}
	b := Sensation{ID: NewID(), Timestamp: when.Add(400 * time.Millisecond), Source: Source{Modality: "chat"}, Text: "hello"}

	// Same source, content and second-rounded timestamp collapse to one key.
	assert.Equal(t, a.DedupKey(), b.DedupKey())

	c := b
	c.Timestamp = when.Add(2 * time.Second)
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())

	d := a
	d.Text = "goodbye"
	assert.NotEqual(t, a.DedupKey(), d.DedupKey())

	e := a
	e.Source.Device = "webcam"
	assert.NotEqual(t, a.DedupKey(), e.DedupKey())
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		path string
		want Source
	}{
		{"/chat", Source{Modality: "chat"}},
		{"/vision/camera0", Source{Modality: "vision", Device: "camera0"}},
		{"system/load/avg", Source{Modality: "system", Device: "load/avg"}},
		{"", Source{Modality: "unknown"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseSource(tt.path), "path %q", tt.path)
	}
}

func TestLevelRoundTrip(t *testing.T) {
	for _, l := range []Level{LevelInstant, LevelSituation, LevelEpisode, LevelNarrative} {
		parsed, err := ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, parsed)
	}
	_, err := ParseLevel("vibe")
	assert.Error(t, err)
}

func TestLevelOrdering(t *testing.T) {
	assert.True(t, LevelInstant < LevelSituation)
	assert.True(t, LevelSituation < LevelEpisode)
	assert.True(t, LevelEpisode < LevelNarrative)
}

func TestImpressionAsSensationRetainsLineage(t *testing.T) {
	imp := NewImpression(LevelInstant, "I heard a greeting.")
	s := imp.AsSensation("quick")

	assert.Equal(t, imp.ID, s.FromImpression)
	assert.Equal(t, "wit/quick", s.Source.String())
	assert.Equal(t, imp.Narrative, s.Text)
	assert.NotEqual(t, imp.ID, s.ID)
}
