package events

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spawner/orchestrator/internal/domain"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	return func() time.Time { return t0 }
}

func TestEmit_CopiesDataAndOrders(t *testing.T) {
	bus := NewBus(WithClock(fixedClock()))
	data := map[string]any{"workflow_id": "feature-build"}
	bus.Emit(domain.EventWorkflowStart, data)
	data["workflow_id"] = "mutated"
	bus.Emit(domain.EventWorkflowComplete, nil)

	evs := bus.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, domain.EventWorkflowStart, evs[0].Type)
	assert.Equal(t, "feature-build", evs[0].Data["workflow_id"])
	assert.Equal(t, domain.EventWorkflowComplete, evs[1].Type)
	assert.NotNil(t, evs[1].Data)
	assert.Equal(t, 2, bus.Len())
	assert.Len(t, bus.Since(1), 1)
	assert.Nil(t, bus.Since(5))
}

func TestEmit_NilBus(t *testing.T) {
	var bus *Bus
	ev := bus.Emit(domain.EventTeamActivate, map[string]any{"team_id": "x"})
	assert.Equal(t, domain.EventTeamActivate, ev.Type)
	assert.Nil(t, bus.Events())
	assert.Zero(t, bus.Len())
}

func TestEmit_Concurrent(t *testing.T) {
	bus := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Emit(domain.EventWorkflowStep, map[string]any{"skill": "s"})
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, bus.Len())
}

func TestMarker_RoundTrip(t *testing.T) {
	bus := NewBus(WithClock(fixedClock()))
	ev := bus.Emit(domain.EventWorkflowStep, map[string]any{
		"workflow_id": "feature-build",
		"skill":       "backend",
		"step_index":  1,
		"total_steps": 4,
		"inputs":      []string{"requirements"},
		"gate":        map[string]any{"passed": false, "iteration": 2},
	})
	assert.Equal(t, float64(1), ev.Data["step_index"])
	assert.Equal(t, []any{"requirements"}, ev.Data["inputs"])

	parsed := ParseEvents(FormatEvent(ev))
	require.Len(t, parsed, 1)
	assert.True(t, reflect.DeepEqual(ev, parsed[0]), "emitted %#v\nparsed %#v", ev, parsed[0])
}

func TestMarker_DelimitersInsidePayload(t *testing.T) {
	bus := NewBus(WithClock(fixedClock()))
	ev := bus.Emit(domain.EventWorkflowError, map[string]any{
		"error":   "skill output contained [/SPAWNER_EVENT] text",
		"message": `nested [SPAWNER_EVENT]{"type":"x"} and \[/SPAWNER_EVENT]`,
	})

	text := "before " + FormatEvent(ev) + " after"
	parsed := ParseEvents(text)
	require.Len(t, parsed, 1)
	assert.Equal(t, ev, parsed[0])
	assert.Equal(t, "before  after", StripEvents(text))
}

func TestParseEvents(t *testing.T) {
	good := FormatEvent(domain.OrchestrationEvent{
		Type:      domain.EventTeamComplete,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Data:      map[string]any{"team_id": "web"},
	})

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"plain prose", "nothing to see here", 0},
		{"single", "before " + good + " after", 1},
		{"two", good + "\n" + good, 2},
		{"well-formed then truncated", "a " + good + " b " + MarkerOpen + `{"type":"team:complete","da`, 1},
		{"truncated then well-formed", MarkerOpen + `{"type":"workflow:start"` + "\n" + good, 1},
		{"invalid json", MarkerOpen + "{not json}" + MarkerClose + good, 1},
		{"unknown type", MarkerOpen + `{"type":"bogus","timestamp":"2026-01-02T03:04:05Z","data":{}}` + MarkerClose, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseEvents(tt.text)
			assert.Len(t, got, tt.want)
			for _, ev := range got {
				assert.True(t, ev.Type.Valid())
				assert.NotNil(t, ev.Data)
			}
		})
	}
}

func TestStripEvents(t *testing.T) {
	ev := FormatEvent(domain.OrchestrationEvent{Type: domain.EventWorkflowStart, Data: map[string]any{}})
	assert.Equal(t, "hello  world", StripEvents("hello "+ev+" world"))
	assert.Equal(t, "tail "+MarkerOpen+"{", StripEvents("tail "+MarkerOpen+"{"))
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		ev   domain.OrchestrationEvent
		want []string
	}{
		{
			name: "start",
			ev: domain.OrchestrationEvent{Type: domain.EventWorkflowStart, Data: map[string]any{
				"workflow_name": "Feature Build", "total_steps": 4, "skills": []string{"discovery", "backend"},
			}},
			want: []string{"Feature Build", "4 steps", "discovery → backend"},
		},
		{
			name: "step progress from parsed json",
			ev: domain.OrchestrationEvent{Type: domain.EventWorkflowStep, Data: map[string]any{
				"step_index": float64(1), "total_steps": float64(4), "skill": "backend", "inputs": []any{"requirements"},
			}},
			want: []string{"2/4", "backend", "requirements"},
		},
		{
			name: "gate passed",
			ev: domain.OrchestrationEvent{Type: domain.EventWorkflowGate, Data: map[string]any{
				"skill": "testing", "passed": true, "iteration": 1, "max_iterations": 3,
			}},
			want: []string{"✓", "testing", "1/3"},
		},
		{
			name: "gate failed",
			ev: domain.OrchestrationEvent{Type: domain.EventWorkflowGate, Data: map[string]any{
				"skill": "testing", "passed": false, "action": "block",
			}},
			want: []string{"✗", "block"},
		},
		{
			name: "contract fail",
			ev: domain.OrchestrationEvent{Type: domain.EventContractFail, Data: map[string]any{
				"receiver": "backend", "missing": []string{"requirements"},
			}},
			want: []string{"- → backend", "requirements"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Render(tt.ev)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	bus := NewBus()
	bus.Emit(domain.EventWorkflowStart, nil)
	bus.Emit(domain.EventWorkflowStep, map[string]any{"status": "success"})
	bus.Emit(domain.EventWorkflowStep, map[string]any{"status": "skipped"})
	bus.Emit(domain.EventWorkflowGate, map[string]any{"passed": true})
	bus.Emit(domain.EventWorkflowGate, map[string]any{"passed": false})
	bus.Emit(domain.EventWorkflowComplete, nil)
	bus.Emit(domain.EventWorkflowStart, nil)
	bus.Emit(domain.EventWorkflowError, nil)
	bus.Emit(domain.EventContractFail, nil)
	bus.Emit(domain.EventTeamActivate, nil)
	bus.Emit(domain.EventTeamComplete, nil)

	s := Summarize(bus.Events())
	assert.Equal(t, Summary{
		WorkflowsStarted:   2,
		WorkflowsCompleted: 1,
		TeamsActivated:     1,
		TeamsCompleted:     1,
		StepsDispatched:    1,
		GatesPassed:        1,
		GatesFailed:        1,
		Errors:             1,
		ContractFailures:   1,
	}, s)
	assert.True(t, strings.HasPrefix(s.String(), "Session summary"))
}

func TestFanout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fan := NewFanout(nil)
	defer fan.Close()

	ch, err := Subscribe(ctx, fan, "")
	require.NoError(t, err)

	bus := NewBus(WithPublisher(fan, ""))
	sent := bus.Emit(domain.EventTeamDelegate, map[string]any{"from": "a", "to": "b"})

	select {
	case got := <-ch:
		assert.Equal(t, sent.Type, got.Type)
		assert.Equal(t, "b", got.Data["to"])
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}
}
