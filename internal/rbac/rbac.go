// Package rbac decides what a session participant may do.
package rbac

import (
	"net/http"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/apperr"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
)

type Action string

const (
	ActionRead       Action = "read"
	ActionRespond    Action = "respond"
	ActionVote       Action = "vote"
	ActionFacilitate Action = "facilitate"
)

const CodeForbidden = "FORBIDDEN"

// Can reports whether role may perform action. Inactive participants may
// only read.
func Can(role store.ParticipantRole, active bool, action Action) bool {
	if action == ActionRead {
		return role == store.RoleFacilitator || role == store.RoleMember
	}
	if !active {
		return false
	}
	switch role {
	case store.RoleFacilitator:
		return true
	case store.RoleMember:
		return action == ActionRespond || action == ActionVote
	default:
		return false
	}
}

// Authorize returns a 403 DomainError when participant may not perform
// action.
func Authorize(participant store.Participant, action Action) error {
	if Can(participant.Role, participant.Active, action) {
		return nil
	}
	return &apperr.DomainError{
		Status:  http.StatusForbidden,
		Code:    CodeForbidden,
		Message: "Not allowed to " + string(action) + " in this retrospective",
	}
}

func Normalize(role string) store.ParticipantRole {
	switch store.ParticipantRole(role) {
	case store.RoleFacilitator:
		return store.RoleFacilitator
	default:
		return store.RoleMember
	}
}
