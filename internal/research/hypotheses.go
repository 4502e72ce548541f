package research

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Hypothesis is one row of idea/hypotheses.yaml (§4.10 Scaffolding).
type Hypothesis struct {
	ID         string `yaml:"id"`
	Text       string `yaml:"text"`
	Status     string `yaml:"status"` // open, supported, refuted
	Confidence string `yaml:"confidence,omitempty"`
}

type hypothesesDoc struct {
	Hypotheses []Hypothesis `yaml:"hypotheses"`
}

// LoadHypotheses parses idea/hypotheses.yaml under projectRoot. A missing
// or empty file is not an error — a fresh project starts with none.
func LoadHypotheses(projectRoot string) ([]Hypothesis, error) {
	raw, err := os.ReadFile(filepath.Join(projectRoot, "idea", "hypotheses.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("research: read hypotheses.yaml: %w", err)
	}
	var doc hypothesesDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("research: parse hypotheses.yaml: %w", err)
	}
	return doc.Hypotheses, nil
}
