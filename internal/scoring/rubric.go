package scoring

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category is one weighted rubric dimension.
type Category struct {
	Key         string  `yaml:"key" json:"key"`
	Name        string  `yaml:"name" json:"name"`
	Weight      float64 `yaml:"weight" json:"weight"`
	Description string  `yaml:"description" json:"description"`
}

// Rubric is the ordered set of categories the LLM must score.
type Rubric struct {
	Categories []Category `yaml:"categories" json:"categories"`
	// SystemPrompt overrides the analyzer's default system prompt when set.
	SystemPrompt string `yaml:"system_prompt" json:"-"`
}

const weightTolerance = 0.01

// DefaultRubric returns the five-category sales rubric.
func DefaultRubric() Rubric {
	return Rubric{Categories: []Category{
		{Key: "greeting_rapport", Name: "Greeting & Rapport", Weight: 0.15,
			Description: "Professional greeting, introduces self and company, builds rapport and sets a positive tone."},
		{Key: "requirement_discovery", Name: "Requirement Discovery", Weight: 0.25,
			Description: "Asks open questions to understand the customer's needs, budget, timeline and decision makers."},
		{Key: "product_knowledge", Name: "Product Knowledge", Weight: 0.20,
			Description: "Explains features and benefits accurately and relates them to the stated requirements."},
		{Key: "objection_handling", Name: "Objection Handling", Weight: 0.20,
			Description: "Acknowledges concerns, responds with relevant information and keeps the conversation constructive."},
		{Key: "closing_next_steps", Name: "Closing & Next Steps", Weight: 0.20,
			Description: "Summarises, asks for commitment and agrees on concrete next steps with a timeline."},
	}}
}

// Validate checks keys are unique and weights sum to 1 within tolerance.
func (r Rubric) Validate() error {
	if len(r.Categories) == 0 {
		return errors.New("rubric has no categories")
	}
	seen := make(map[string]struct{}, len(r.Categories))
	sum := 0.0
	for _, c := range r.Categories {
		if strings.TrimSpace(c.Key) == "" {
			return errors.New("rubric category key is required")
		}
		if _, dup := seen[c.Key]; dup {
			return fmt.Errorf("rubric category %q is duplicated", c.Key)
		}
		seen[c.Key] = struct{}{}
		if c.Weight <= 0 {
			return fmt.Errorf("rubric category %q must have a positive weight", c.Key)
		}
		sum += c.Weight
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("rubric weights must sum to 1.0, got %.3f", sum)
	}
	return nil
}

// Weight returns the weight of key.
func (r Rubric) Weight(key string) (float64, bool) {
	for _, c := range r.Categories {
		if c.Key == key {
			return c.Weight, true
		}
	}
	return 0, false
}

// Keys returns the category keys in rubric order.
func (r Rubric) Keys() []string {
	out := make([]string, 0, len(r.Categories))
	for _, c := range r.Categories {
		out = append(out, c.Key)
	}
	return out
}

// WeightedMean returns sum(score*weight)/sum(weight) over the scored
// categories, rounded to one decimal. ok is false when nothing was scored.
func (r Rubric) WeightedMean(scores map[string]float64) (float64, bool) {
	var num, den float64
	for _, c := range r.Categories {
		s, ok := scores[c.Key]
		if !ok {
			continue
		}
		num += s * c.Weight
		den += c.Weight
	}
	if den == 0 {
		return 0, false
	}
	return Round1(num / den), true
}

// LoadRubric reads a YAML rubric file. Categories omitted from the file keep
// the default rubric.
func LoadRubric(path string) (Rubric, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Rubric{}, fmt.Errorf("read rubric: %w", err)
	}
	var r Rubric
	if err := yaml.Unmarshal(b, &r); err != nil {
		return Rubric{}, fmt.Errorf("parse rubric: %w", err)
	}
	if len(r.Categories) == 0 {
		r.Categories = DefaultRubric().Categories
	}
	for i := range r.Categories {
		if r.Categories[i].Name == "" {
			r.Categories[i].Name = r.Categories[i].Key
		}
	}
	if err := r.Validate(); err != nil {
		return Rubric{}, err
	}
	return r, nil
}

// Round1 rounds to one decimal place.
func Round1(x float64) float64 {
	return math.Round(x*10) / 10
}
