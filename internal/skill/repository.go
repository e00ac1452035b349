// Package skill provides SkillRepository implementations. The orchestrator
// treats skill content as opaque; these repositories only resolve descriptors.
package skill

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/spawner/orchestrator/internal/domain"
)

// MemoryRepository is a thread-safe in-memory SkillRepository.
type MemoryRepository struct {
	mu     sync.RWMutex
	skills map[string]*domain.SkillDescriptor
}

// NewMemoryRepository creates a repository seeded with the given descriptors.
func NewMemoryRepository(descs ...domain.SkillDescriptor) *MemoryRepository {
	r := &MemoryRepository{skills: make(map[string]*domain.SkillDescriptor)}
	for _, d := range descs {
		r.Put(d)
	}
	return r
}

// Put adds or replaces a descriptor.
func (r *MemoryRepository) Put(d domain.SkillDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.Name == "" {
		d.Name = d.ID
	}
	r.skills[d.ID] = &d
}

// GetSkill implements domain.SkillRepository.
func (r *MemoryRepository) GetSkill(_ context.Context, id string) (*domain.SkillDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.skills[id]
	if !ok {
		return nil, domain.NewEngineError(domain.ErrSkillNotFound.Code, fmt.Sprintf("skill not found: %s", id))
	}
	return d, nil
}

// IDs returns all registered skill ids, sorted.
func (r *MemoryRepository) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.skills))
	for id := range r.skills {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadDir reads skill descriptors from a directory tree. Each skill lives in
// either <dir>/<id>.yaml or <dir>/<id>/skill.yaml; the id defaults to the
// file or directory name when the document omits it. A missing directory
// yields an empty repository rather than an error.
func LoadDir(dir string) (*MemoryRepository, error) {
	repo := NewMemoryRepository()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return repo, nil
	}

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		desc, err := readDescriptor(path)
		if err != nil {
			return err
		}
		if desc.ID == "" {
			base := strings.TrimSuffix(filepath.Base(path), ext)
			if base == "skill" {
				base = filepath.Base(filepath.Dir(path))
			}
			desc.ID = base
		}
		repo.Put(*desc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func readDescriptor(path string) (*domain.SkillDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill file: %w", err)
	}
	var desc domain.SkillDescriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, domain.WrapEngineError(domain.ErrInvalidSkillFile.Code,
			fmt.Sprintf("%s: %s", domain.ErrInvalidSkillFile.Message, path), err)
	}
	for _, v := range desc.Validations {
		switch v.Severity {
		case domain.SeverityCritical, domain.SeverityError, domain.SeverityWarning:
		default:
			return nil, domain.NewEngineError(domain.ErrInvalidSkillFile.Code,
				fmt.Sprintf("%s: validation %q has unknown severity %q", path, v.ID, v.Severity))
		}
	}
	return &desc, nil
}
