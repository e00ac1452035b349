package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/spawner/orchestrator/internal/domain"
)

// File is the on-disk catalog document.
type File struct {
	Workflows []domain.WorkflowDefinition `yaml:"workflows"`
	Teams     []domain.SkillTeam          `yaml:"teams"`
}

// LoadFile reads one catalog document.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, domain.WrapEngineError(domain.ErrInvalidDefinition.Code, "parse catalog "+path, err)
	}
	return &f, nil
}

// LoadDir builds a Registry from the built-in catalog overlaid with every
// *.yaml and *.yml document in dir, read in name order. A record whose id
// matches an earlier one replaces it in place. An empty dir or a missing
// directory yields the built-in catalog.
func LoadDir(dir string) (*Registry, error) {
	workflows := BuiltinWorkflows()
	teams := BuiltinTeams()
	if dir == "" {
		return New(workflows, teams)
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return New(workflows, teams)
	}

	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, m...)
	}
	sort.Strings(paths)

	for _, p := range paths {
		f, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		for _, w := range f.Workflows {
			workflows = upsertWorkflow(workflows, w)
		}
		for _, t := range f.Teams {
			teams = upsertTeam(teams, t)
		}
	}
	return New(workflows, teams)
}

func upsertWorkflow(list []domain.WorkflowDefinition, w domain.WorkflowDefinition) []domain.WorkflowDefinition {
	for i := range list {
		if list[i].ID == w.ID {
			list[i] = w
			return list
		}
	}
	return append(list, w)
}

func upsertTeam(list []domain.SkillTeam, t domain.SkillTeam) []domain.SkillTeam {
	for i := range list {
		if list[i].ID == t.ID {
			list[i] = t
			return list
		}
	}
	return append(list, t)
}
