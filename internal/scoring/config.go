package scoring

import "fmt"

// Band classifies an overall score.
type Band string

const (
	BandPoor             Band = "poor"
	BandNeedsImprovement Band = "needs_improvement"
	BandGood             Band = "good"
	BandExcellent        Band = "excellent"
)

// AllBands lists bands from worst to best.
var AllBands = []Band{BandPoor, BandNeedsImprovement, BandGood, BandExcellent}

// Config is built once at startup and passed by value to the analyzer,
// notification router and digest generator.
type Config struct {
	AlertThreshold     float64
	GoodThreshold      float64
	ExcellentThreshold float64
	Rubric             Rubric
}

// DefaultConfig uses thresholds 50/70/85 and the default rubric.
func DefaultConfig() Config {
	return Config{AlertThreshold: 50, GoodThreshold: 70, ExcellentThreshold: 85, Rubric: DefaultRubric()}
}

func (c Config) Validate() error {
	if !(0 <= c.AlertThreshold && c.AlertThreshold < c.GoodThreshold &&
		c.GoodThreshold < c.ExcellentThreshold && c.ExcellentThreshold <= 100) {
		return fmt.Errorf("score thresholds must satisfy 0 <= alert < good < excellent <= 100, got %.1f/%.1f/%.1f",
			c.AlertThreshold, c.GoodThreshold, c.ExcellentThreshold)
	}
	return c.Rubric.Validate()
}

// Band returns the classification band of score.
func (c Config) Band(score float64) Band {
	switch {
	case score < c.AlertThreshold:
		return BandPoor
	case score < c.GoodThreshold:
		return BandNeedsImprovement
	case score < c.ExcellentThreshold:
		return BandGood
	default:
		return BandExcellent
	}
}

// BelowAlert reports whether score falls in the poor band.
func (c Config) BelowAlert(score float64) bool {
	return score < c.AlertThreshold
}
