package scoring

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRubric_WeightsSumToOne(t *testing.T) {
	r := DefaultRubric()
	require.NoError(t, r.Validate())
	w, ok := r.Weight("requirement_discovery")
	require.True(t, ok)
	assert.Equal(t, 0.25, w)
	assert.Len(t, r.Keys(), 5)
}

func TestWeightedMean(t *testing.T) {
	r := DefaultRubric()
	got, ok := r.WeightedMean(map[string]float64{
		"greeting_rapport":      80,
		"requirement_discovery": 60,
		"product_knowledge":     70,
		"objection_handling":    50,
		"closing_next_steps":    90,
	})
	require.True(t, ok)
	// 12 + 15 + 14 + 10 + 18
	assert.Equal(t, 69.0, got)

	partial, ok := r.WeightedMean(map[string]float64{"greeting_rapport": 77, "unknown": 10})
	require.True(t, ok)
	assert.Equal(t, 77.0, partial)

	_, ok = r.WeightedMean(nil)
	assert.False(t, ok)
}

func TestBands(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, BandPoor, c.Band(49.9))
	assert.Equal(t, BandNeedsImprovement, c.Band(50))
	assert.Equal(t, BandGood, c.Band(70))
	assert.Equal(t, BandGood, c.Band(84.9))
	assert.Equal(t, BandExcellent, c.Band(85))
	assert.True(t, c.BelowAlert(40))
}

func TestConfigValidate_RejectsOutOfOrderThresholds(t *testing.T) {
	c := DefaultConfig()
	c.GoodThreshold = 40
	assert.Error(t, c.Validate())
}

func TestLoadRubric(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rubric.yaml")
	body := `
system_prompt: "You grade calls."
categories:
  - key: opening
    weight: 0.5
    description: Opens well
  - key: closing
    name: Closing
    weight: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	r, err := LoadRubric(path)
	require.NoError(t, err)
	assert.Equal(t, "You grade calls.", r.SystemPrompt)
	assert.Equal(t, []string{"opening", "closing"}, r.Keys())
	assert.Equal(t, "opening", r.Categories[0].Name)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("categories:\n  - key: a\n    weight: 0.3\n"), 0o600))
	_, err = LoadRubric(bad)
	assert.Error(t, err)
}
