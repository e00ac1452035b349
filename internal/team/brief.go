package team

import (
	"fmt"
	"sort"

	"github.com/spawner/orchestrator/internal/domain"
)

// Brief is the lightweight context handed to one member of an active team.
type Brief struct {
	TeamID    string                      `json:"team_id"`
	Member    string                      `json:"member"`
	Role      domain.TeamRole             `json:"role"`
	Lead      string                      `json:"lead"`
	Pattern   domain.CommunicationPattern `json:"pattern"`
	Objective string                      `json:"objective"`
	Next      string                      `json:"next,omitempty"`
	Peers     []string                    `json:"peers"`
	Inbox     []domain.CommunicationEntry `json:"inbox"`
	StateKeys []string                    `json:"state_keys"`
}

// BuildBrief assembles a Brief for member from the team's state and the
// messages addressed to it.
func BuildBrief(at *domain.ActiveTeam, member string) (*Brief, error) {
	var m *domain.TeamMember
	for i := range at.Members {
		if at.Members[i].Skill == member {
			m = &at.Members[i]
			break
		}
	}
	if m == nil {
		return nil, domain.NewEngineError(domain.ErrNotTeamMember.Code,
			fmt.Sprintf("%s is not a member of team %s", member, at.Team.ID))
	}

	b := &Brief{
		TeamID:    at.Team.ID,
		Member:    member,
		Role:      m.Role,
		Lead:      at.Team.Lead,
		Pattern:   at.Team.Pattern,
		Objective: fmt.Sprintf("[%s] %s in %s", m.Role, m.Name, at.Team.Name),
		Peers:     GetBroadcastTargets(at.Team, member),
		Inbox:     []domain.CommunicationEntry{},
		StateKeys: make([]string, 0, len(at.State)),
	}
	if at.Team.Pattern == domain.PatternPipeline {
		b.Next, _ = GetNextInPipeline(at.Team, member)
	}
	for _, e := range at.CommunicationLog {
		if e.To == member {
			b.Inbox = append(b.Inbox, e)
		}
	}
	for k := range at.State {
		b.StateKeys = append(b.StateKeys, k)
	}
	sort.Strings(b.StateKeys)
	return b, nil
}
