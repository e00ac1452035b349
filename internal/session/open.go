package session

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/spawner/orchestrator/internal/catalog"
	"github.com/spawner/orchestrator/internal/config"
	"github.com/spawner/orchestrator/internal/events"
	"github.com/spawner/orchestrator/internal/logging"
	"github.com/spawner/orchestrator/internal/skill"
	"github.com/spawner/orchestrator/internal/store"
	"github.com/spawner/orchestrator/internal/workflow"
)

// Runtime is a session built from configuration together with the
// resources it owns.
type Runtime struct {
	*Session
	Skills *skill.MemoryRepository
	// Fanout is set when event_fanout is enabled; subscribe with events.Subscribe.
	Fanout *gochannel.GoChannel
}

// Close closes the fan-out and the session.
func (r *Runtime) Close() error {
	if r.Fanout != nil {
		r.Fanout.Close()
	}
	return r.Session.Close()
}

// Open wires a session from cfg: catalog and skills from disk, the configured
// store, optional watermill fan-out and the watchdog.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	reg, err := catalog.LoadDir(cfg.CatalogDir)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	var skills = skill.NewMemoryRepository()
	if cfg.SkillsDir != "" {
		if skills, err = skill.LoadDir(cfg.SkillsDir); err != nil {
			return nil, fmt.Errorf("load skills: %w", err)
		}
	}
	st, err := store.Open(ctx, cfg.Store.Options())
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Skills: skills}
	busOpts := []events.Option{events.WithLogger(logging.WithModule("events"))}
	if cfg.EventFanout {
		rt.Fanout = events.NewFanout(logging.WithModule("fanout"))
		busOpts = append(busOpts, events.WithPublisher(rt.Fanout, events.DefaultTopic))
	}

	var engineOpts []workflow.Option
	if cfg.FailClosedConditions {
		engineOpts = append(engineOpts, workflow.WithFailClosedConditions())
	}

	base := []Option{
		WithUserID(cfg.UserID),
		WithBus(events.NewBus(busOpts...)),
		WithEngineOptions(engineOpts...),
		WithWatchdog(time.Duration(cfg.WatchdogIntervalSec) * time.Second),
	}
	rt.Session = New(reg, skills, st, append(base, opts...)...)
	return rt, nil
}
