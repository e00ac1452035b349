// Package session owns one driving session: its event bus, engine, team
// composer and state store, plus the live workflow and team instances it has
// opened. Every instance carries its own mutex so concurrent callers on one
// instance are serialized.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spawner/orchestrator/internal/catalog"
	"github.com/spawner/orchestrator/internal/domain"
	"github.com/spawner/orchestrator/internal/events"
	"github.com/spawner/orchestrator/internal/logging"
	"github.com/spawner/orchestrator/internal/store"
	"github.com/spawner/orchestrator/internal/team"
	"github.com/spawner/orchestrator/internal/workflow"
)

// Workflow is a live workflow instance.
type Workflow struct {
	mu    sync.Mutex
	Def   *domain.WorkflowDefinition
	State *domain.WorkflowState
}

// ID returns the instance id.
func (w *Workflow) ID() string { return w.State.InstanceID() }

// Snapshot returns a copy of the state's scalar fields and history, taken
// under the instance lock.
func (w *Workflow) Snapshot() domain.PersistedWorkflowState {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec := w.State.ToRecord()
	rec.History = append([]domain.StepResult(nil), rec.History...)
	data := make(map[string]any, len(rec.StateData))
	for k, v := range rec.StateData {
		data[k] = v
	}
	rec.StateData = data
	return rec
}

// Team is a live team instance.
type Team struct {
	mu     sync.Mutex
	Active *domain.ActiveTeam
}

// ID returns the instance id.
func (t *Team) ID() string { return t.Active.InstanceID() }

// Snapshot returns the team's persisted projection stamped with updatedAt,
// taken under the instance lock.
func (t *Team) Snapshot(updatedAt time.Time) domain.PersistedTeamState {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.Active.ToRecord(updatedAt)
	rec.Members = append([]string(nil), rec.Members...)
	rec.CommunicationLog = append([]domain.CommunicationEntry(nil), rec.CommunicationLog...)
	data := make(map[string]any, len(rec.StateData))
	for k, v := range rec.StateData {
		data[k] = v
	}
	rec.StateData = data
	return rec
}

// Session wires the orchestration components for one driver.
type Session struct {
	ID       string
	UserID   string
	Catalog  *catalog.Registry
	Bus      *events.Bus
	Engine   *workflow.Engine
	Composer *team.Composer
	Store    store.StateStore
	Watchdog *workflow.Watchdog
	Logger   *slog.Logger
	Now      func() time.Time

	engineOpts       []workflow.Option
	watchdogInterval time.Duration

	mu          sync.RWMutex
	workflows   map[string]*Workflow
	teams       map[string]*Team
	savedEvents int
}

// Option configures a Session.
type Option func(*Session)

// WithUserID tags every instance opened by the session.
func WithUserID(id string) Option {
	return func(s *Session) { s.UserID = id }
}

// WithID sets the session id, e.g. to continue a persisted event log.
func WithID(id string) Option {
	return func(s *Session) { s.ID = id }
}

// WithBus replaces the session's event bus.
func WithBus(b *events.Bus) Option {
	return func(s *Session) { s.Bus = b }
}

// WithEngineOptions passes options through to workflow.NewEngine.
func WithEngineOptions(opts ...workflow.Option) Option {
	return func(s *Session) { s.engineOpts = append(s.engineOpts, opts...) }
}

// WithWatchdog registers every started workflow with a watchdog ticking at
// interval. The watchdog is started by Run and stopped by Close.
func WithWatchdog(interval time.Duration) Option {
	return func(s *Session) { s.watchdogInterval = interval }
}

// New builds a session. st may be nil when persistence is not needed.
func New(reg *catalog.Registry, skills domain.SkillRepository, st store.StateStore, opts ...Option) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Catalog:   reg,
		Store:     st,
		Logger:    logging.WithModule("session"),
		Now:       time.Now,
		workflows: make(map[string]*Workflow),
		teams:     make(map[string]*Team),
	}
	for _, o := range opts {
		o(s)
	}
	if s.Bus == nil {
		s.Bus = events.NewBus()
	}
	s.Engine = workflow.NewEngine(skills, s.Bus, s.engineOpts...)
	s.Composer = team.NewComposer(reg, skills, s.Bus)
	if s.watchdogInterval > 0 {
		s.Watchdog = workflow.NewWatchdog(s.Engine, s.watchdogInterval)
	}
	return s
}

// Run starts background work (the watchdog, when configured).
func (s *Session) Run(ctx context.Context) {
	if s.Watchdog != nil {
		s.Watchdog.Start(ctx)
	}
}

// Close stops the watchdog and closes the store.
func (s *Session) Close() error {
	if s.Watchdog != nil {
		s.Watchdog.Stop()
	}
	if s.Store != nil {
		return s.Store.Close()
	}
	return nil
}

// StartWorkflow starts the catalog workflow workflowID.
func (s *Session) StartWorkflow(ctx context.Context, workflowID string, data map[string]any) (*Workflow, error) {
	def, err := s.Catalog.Workflow(workflowID)
	if err != nil {
		return nil, err
	}
	return s.start(ctx, def, data)
}

// RunTeam translates the catalog team teamID into a workflow and starts it.
func (s *Session) RunTeam(ctx context.Context, teamID string, data map[string]any) (*Workflow, error) {
	t, err := s.Catalog.Team(teamID)
	if err != nil {
		return nil, err
	}
	return s.start(ctx, s.Composer.TeamToWorkflow(*t), data)
}

// MatchTeam returns the first catalog team triggered by phrase.
func (s *Session) MatchTeam(phrase string) (*domain.SkillTeam, bool) {
	return s.Composer.FindTeamByTrigger(phrase)
}

func (s *Session) start(ctx context.Context, def *domain.WorkflowDefinition, data map[string]any) (*Workflow, error) {
	state, err := s.Engine.Start(ctx, def, data)
	if err != nil {
		return nil, err
	}
	state.UserID = s.UserID
	w := &Workflow{Def: def, State: state}
	if err := s.register(w); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Session) register(w *Workflow) error {
	id := w.ID()
	s.mu.Lock()
	if _, ok := s.workflows[id]; ok {
		s.mu.Unlock()
		return domain.NewEngineError(domain.ErrInstanceExists.Code, fmt.Sprintf("workflow %s is already open", id))
	}
	s.workflows[id] = w
	s.mu.Unlock()

	if s.Watchdog != nil && !w.State.Status.Terminal() {
		s.Watchdog.Watch(w.Def, w.State, &w.mu)
	}
	return nil
}

// Workflow returns an open workflow instance.
func (s *Session) Workflow(instanceID string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[instanceID]
	if !ok {
		return nil, domain.NewEngineError(domain.ErrInstanceNotFound.Code, fmt.Sprintf("workflow %s is not open", instanceID))
	}
	return w, nil
}

// Workflows returns the ids of every open workflow instance, sorted.
func (s *Session) Workflows() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.workflows))
	for id := range s.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Step performs one step attempt on an open instance.
func (s *Session) Step(ctx context.Context, instanceID string) (*domain.StepResult, error) {
	w, err := s.Workflow(instanceID)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return s.Engine.ExecuteStep(ctx, w.Def, w.State)
}

// RecordOutputs merges the real outputs of step stepIndex into the instance.
func (s *Session) RecordOutputs(_ context.Context, instanceID string, stepIndex int, outputs map[string]any) error {
	w, err := s.Workflow(instanceID)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return s.Engine.RecordOutputs(w.State, stepIndex, outputs)
}

// lastDispatched returns the index of the most recent successfully
// dispatched step, or -1. Skipped steps never ran and have no gate to check.
func lastDispatched(state *domain.WorkflowState) int {
	for i := len(state.History) - 1; i >= 0; i-- {
		if h := state.History[i]; h.Status == domain.StepSuccess {
			return h.StepIndex
		}
	}
	return -1
}

// Gate evaluates the quality gate of the most recently dispatched step.
func (s *Session) Gate(ctx context.Context, instanceID string, outputs map[string]any, iteration int) (domain.GateResult, error) {
	w, err := s.Workflow(instanceID)
	if err != nil {
		return domain.GateResult{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := lastDispatched(w.State)
	if idx < 0 || idx >= len(w.Def.Steps) {
		return domain.GateResult{}, domain.NewEngineError(domain.ErrStepOutOfRange.Code,
			fmt.Sprintf("workflow %s has no dispatched step", instanceID))
	}
	return s.Engine.CheckQualityGate(ctx, w.State, w.Def.Steps[idx], outputs, iteration), nil
}

// Cancel terminates an open instance with status cancelled.
func (s *Session) Cancel(ctx context.Context, instanceID, reason string) error {
	w, err := s.Workflow(instanceID)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return s.Engine.Cancel(ctx, w.State, reason)
}

// Save persists an open workflow instance, then appends any unsaved events
// when the store keeps an event log.
func (s *Session) Save(ctx context.Context, instanceID string) error {
	if s.Store == nil {
		return domain.ErrNoStore
	}
	w, err := s.Workflow(instanceID)
	if err != nil {
		return err
	}
	w.mu.Lock()
	rec := w.State.ToRecord()
	err = s.Store.SaveWorkflow(ctx, rec)
	w.mu.Unlock()
	if err != nil {
		return err
	}
	s.Logger.Debug("workflow saved", "instance", rec.ID, "status", rec.Status, "step", rec.CurrentStep)
	return s.FlushEvents(ctx)
}

// ResumeWorkflow loads a persisted workflow and opens it in this session.
// Workflows translated from teams ("team-<id>") are rebuilt from the team.
func (s *Session) ResumeWorkflow(ctx context.Context, persistedID string) (*Workflow, error) {
	if s.Store == nil {
		return nil, domain.ErrNoStore
	}
	if w, err := s.Workflow(persistedID); err == nil {
		return w, nil
	}
	rec, err := s.Store.GetWorkflow(ctx, persistedID)
	if err != nil {
		return nil, err
	}
	def, err := s.definition(rec.WorkflowID)
	if err != nil {
		return nil, err
	}
	state, err := s.Engine.Resume(def, rec)
	if err != nil {
		return nil, err
	}
	w := &Workflow{Def: def, State: state}
	if err := s.register(w); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Session) definition(workflowID string) (*domain.WorkflowDefinition, error) {
	def, err := s.Catalog.Workflow(workflowID)
	if err == nil {
		return def, nil
	}
	if teamID, ok := strings.CutPrefix(workflowID, "team-"); ok {
		if t, terr := s.Catalog.Team(teamID); terr == nil {
			return team.TeamToWorkflow(*t), nil
		}
	}
	return nil, err
}

// ListActive returns the session user's persisted non-terminal workflows.
func (s *Session) ListActive(ctx context.Context, limit int) ([]domain.PersistedWorkflowState, error) {
	if s.Store == nil {
		return nil, domain.ErrNoStore
	}
	return s.Store.ListActiveWorkflows(ctx, domain.ListFilter{UserID: s.UserID, Limit: limit})
}

// ActivateTeam activates the catalog team teamID.
func (s *Session) ActivateTeam(ctx context.Context, teamID string, data map[string]any) (*Team, error) {
	at, err := s.Composer.ActivateTeam(ctx, teamID, data)
	if err != nil {
		return nil, err
	}
	at.UserID = s.UserID
	t := &Team{Active: at}
	if err := s.registerTeam(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Session) registerTeam(t *Team) error {
	id := t.ID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[id]; ok {
		return domain.NewEngineError(domain.ErrInstanceExists.Code, fmt.Sprintf("team %s is already open", id))
	}
	s.teams[id] = t
	return nil
}

// Team returns an open team instance.
func (s *Session) Team(instanceID string) (*Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[instanceID]
	if !ok {
		return nil, domain.NewEngineError(domain.ErrInstanceNotFound.Code, fmt.Sprintf("team %s is not open", instanceID))
	}
	return t, nil
}

// WithTeam runs fn while holding the team instance's lock.
func (s *Session) WithTeam(instanceID string, fn func(*team.Composer, *domain.ActiveTeam) error) error {
	t, err := s.Team(instanceID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(s.Composer, t.Active)
}

// SaveTeam persists an open team instance.
func (s *Session) SaveTeam(ctx context.Context, instanceID string) error {
	if s.Store == nil {
		return domain.ErrNoStore
	}
	t, err := s.Team(instanceID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	rec := t.Active.ToRecord(s.Now().UTC())
	err = s.Store.SaveTeam(ctx, rec)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return s.FlushEvents(ctx)
}

// ResumeTeam loads a persisted team and opens it in this session.
func (s *Session) ResumeTeam(ctx context.Context, persistedID string) (*Team, error) {
	if s.Store == nil {
		return nil, domain.ErrNoStore
	}
	if t, err := s.Team(persistedID); err == nil {
		return t, nil
	}
	rec, err := s.Store.GetTeam(ctx, persistedID)
	if err != nil {
		return nil, err
	}
	at, err := s.Composer.ResumeTeam(ctx, rec)
	if err != nil {
		return nil, err
	}
	t := &Team{Active: at}
	if err := s.registerTeam(t); err != nil {
		return nil, err
	}
	return t, nil
}

// FlushEvents appends events not yet persisted to the store's event log.
// Stores without an event log are skipped.
func (s *Session) FlushEvents(ctx context.Context) error {
	log, ok := s.Store.(store.EventLog)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.Bus.Since(s.savedEvents)
	if len(pending) == 0 {
		return nil
	}
	if err := log.AppendEvents(ctx, s.ID, int64(s.savedEvents)+1, pending); err != nil {
		return err
	}
	s.savedEvents += len(pending)
	return nil
}

// RestoreEvents loads the persisted event log of this session id into the
// bus. It must be called before any new event is emitted.
func (s *Session) RestoreEvents(ctx context.Context) error {
	log, ok := s.Store.(store.EventLog)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Bus.Len() > 0 {
		return errors.New("restore events: bus already has events")
	}
	evs, err := log.ListEvents(ctx, s.ID, 0)
	if err != nil {
		return err
	}
	s.Bus.Restore(evs)
	s.savedEvents = len(evs)
	return nil
}

// Summary aggregates the session's events.
func (s *Session) Summary() events.Summary {
	return events.Summarize(s.Bus.Events())
}
