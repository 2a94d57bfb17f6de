package relay

import "strings"

// Role is the tier a chat user belongs to.
type Role int

const (
	RoleRequester Role = iota
	RoleTeamMember
)

func (r Role) String() string {
	if r == RoleTeamMember {
		return "team_member"
	}
	return "requester"
}

// Roles maps chat users to their role from the static team member list.
type Roles struct {
	team map[string]struct{}
}

// NewRoles builds a role table. Every user not listed is a requester.
func NewRoles(teamMemberIDs []string) *Roles {
	r := &Roles{team: make(map[string]struct{}, len(teamMemberIDs))}
	for _, id := range teamMemberIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			r.team[id] = struct{}{}
		}
	}
	return r
}

// Of returns the role of a user.
func (r *Roles) Of(userID string) Role {
	if r == nil {
		return RoleRequester
	}
	if _, ok := r.team[userID]; ok {
		return RoleTeamMember
	}
	return RoleRequester
}

// DefaultState is the state a fresh session of the role starts in.
func DefaultState(role Role) State {
	if role == RoleTeamMember {
		return StateForward{}
	}
	return StateMain{}
}
