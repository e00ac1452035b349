package domain

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"
)

// SkillRepository resolves skill descriptors by id. Implementations return
// ErrSkillNotFound for unknown ids.
type SkillRepository interface {
	GetSkill(ctx context.Context, id string) (*SkillDescriptor, error)
}

// Handoff declares what a skill receives from a given sender.
type Handoff struct {
	Skill    string   `json:"skill" yaml:"skill"`
	Receives []string `json:"receives" yaml:"receives"`
}

// Prerequisites are a skill's general data expectations.
type Prerequisites struct {
	Skills       []string `json:"skills,omitempty" yaml:"skills"`
	RequiredData []string `json:"required_data,omitempty" yaml:"required_data"`
	OptionalData []string `json:"optional_data,omitempty" yaml:"optional_data"`
	// Schemas maps a data item (free text, normalized on lookup) to a JSON schema its value must satisfy.
	Schemas map[string]map[string]any `json:"schemas,omitempty" yaml:"schemas"`
}

// PatternList accepts either a single pattern string or a list of patterns.
type PatternList []string

// UnmarshalYAML accepts both `pattern: "x"` and `pattern: [x, y]`.
func (p *PatternList) UnmarshalYAML(value *yaml.Node) error {
	var single string
	if err := value.Decode(&single); err == nil {
		*p = PatternList{single}
		return nil
	}
	var many []string
	if err := value.Decode(&many); err == nil {
		*p = PatternList(many)
		return nil
	}
	return fmt.Errorf("pattern must be a string or a list of strings")
}

// ValidationRule is a pattern check a validator skill declares.
type ValidationRule struct {
	ID       string      `json:"id" yaml:"id"`
	Pattern  PatternList `json:"pattern" yaml:"pattern"`
	Severity Severity    `json:"severity" yaml:"severity"`
	Message  string      `json:"message" yaml:"message"`
}

// SkillDescriptor is the externally authored description of a skill.
type SkillDescriptor struct {
	ID            string           `json:"id" yaml:"id"`
	Name          string           `json:"name" yaml:"name"`
	Prerequisites Prerequisites    `json:"prerequisites" yaml:"prerequisites"`
	ReceivesFrom  []Handoff        `json:"receives_from,omitempty" yaml:"receives_from"`
	Validations   []ValidationRule `json:"validations,omitempty" yaml:"validations"`
}
