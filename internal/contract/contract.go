// Package contract enforces the data handoff between a sending and a
// receiving skill.
package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/spawner/orchestrator/internal/domain"
	"github.com/spawner/orchestrator/internal/events"
	"github.com/spawner/orchestrator/internal/logging"
)

// Validator builds and checks StateContracts from skill descriptors.
type Validator struct {
	Skills domain.SkillRepository
	Bus    *events.Bus
	Logger *slog.Logger
	Now    func() time.Time
}

// NewValidator creates a Validator resolving descriptors through skills.
func NewValidator(skills domain.SkillRepository, bus *events.Bus) *Validator {
	return &Validator{
		Skills: skills,
		Bus:    bus,
		Logger: logging.WithModule("contract"),
		Now:    time.Now,
	}
}

// ExtractContract derives the receiver's expectations. Items the receiver
// declares it receives from sender and its required_data prerequisites are
// required; optional_data items are optional. A prerequisite schema keyed by
// the same item becomes the requirement's validator.
func (v *Validator) ExtractContract(ctx context.Context, receiver, sender string) (*domain.StateContract, error) {
	desc, err := v.Skills.GetSkill(ctx, receiver)
	if err != nil {
		return nil, err
	}

	c := &domain.StateContract{Receiver: receiver, Sender: sender}
	index := make(map[string]int)
	add := func(item string, required bool) {
		key := NormalizeKey(item)
		if key == "" {
			return
		}
		if i, ok := index[key]; ok {
			if required {
				c.Requirements[i].Required = true
			}
			return
		}
		index[key] = len(c.Requirements)
		c.Requirements = append(c.Requirements, domain.ContractRequirement{
			Key:         key,
			Description: item,
			Required:    required,
		})
	}

	if sender != "" {
		for _, h := range desc.ReceivesFrom {
			if h.Skill != sender {
				continue
			}
			for _, item := range h.Receives {
				add(item, true)
			}
		}
	}
	for _, item := range desc.Prerequisites.RequiredData {
		add(item, true)
	}
	for _, item := range desc.Prerequisites.OptionalData {
		add(item, false)
	}

	// Deterministic order for schema compile errors.
	items := make([]string, 0, len(desc.Prerequisites.Schemas))
	for item := range desc.Prerequisites.Schemas {
		items = append(items, item)
	}
	sort.Strings(items)
	for _, item := range items {
		i, ok := index[NormalizeKey(item)]
		if !ok {
			continue
		}
		pred, err := SchemaPredicate(desc.Prerequisites.Schemas[item])
		if err != nil {
			return nil, fmt.Errorf("skill %s item %q: %w", receiver, item, err)
		}
		c.Requirements[i].Validator = pred
	}
	return c, nil
}

// ValidateContract checks data against c. It never fails: missing required
// items and predicate failures land in Missing, absent optional items in
// Warnings.
func (v *Validator) ValidateContract(c *domain.StateContract, data map[string]any) domain.ContractValidation {
	res := domain.ContractValidation{
		Missing:      []string{},
		Warnings:     []string{},
		DataReceived: map[string]any{},
	}
	if c == nil {
		res.Valid = true
		return res
	}

	for _, req := range c.Requirements {
		_, val, ok := Lookup(data, req.Key, req.Description)
		switch {
		case !ok && req.Required:
			res.Missing = append(res.Missing, req.Key)
		case !ok:
			res.Warnings = append(res.Warnings, fmt.Sprintf("Optional data not provided: %s", req.Key))
		case req.Validator != nil && !req.Validator(val):
			res.Missing = append(res.Missing, req.Key+" (invalid format)")
		default:
			res.DataReceived[req.Key] = val
		}
	}
	res.Valid = len(res.Missing) == 0

	payload := map[string]any{
		"receiver": c.Receiver,
		"sender":   c.Sender,
		"valid":    res.Valid,
		"missing":  res.Missing,
		"warnings": res.Warnings,
	}
	v.Bus.Emit(domain.EventContractCheck, payload)
	if !res.Valid {
		v.Bus.Emit(domain.EventContractFail, payload)
		v.Logger.Debug("contract failed", "receiver", c.Receiver, "sender", c.Sender, "missing", res.Missing)
	}
	return res
}

// CreateHandoffPackage bundles data for transfer from sender to receiver.
// A receiver without a resolvable or non-empty contract gets the data
// unvalidated with an explicit warning.
func (v *Validator) CreateHandoffPackage(ctx context.Context, sender, receiver string, data, extra map[string]any) (*domain.HandoffPackage, error) {
	pkg := &domain.HandoffPackage{
		ID:        uuid.NewString(),
		From:      sender,
		To:        receiver,
		Timestamp: v.Now().UTC(),
		Data:      copyMap(data),
		Context:   copyMap(extra),
	}

	c, err := v.ExtractContract(ctx, receiver, sender)
	if err != nil && !errors.Is(err, domain.ErrSkillNotFound) {
		return nil, err
	}
	if c == nil || len(c.Requirements) == 0 {
		pkg.Unvalidated = true
		pkg.Warning = fmt.Sprintf("No contract declared for %s; data passed through unvalidated", receiver)
		return pkg, nil
	}

	res := v.ValidateContract(c, data)
	pkg.Validation = &res
	return pkg, nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
