package service

import (
	"strings"

	"github.com/noah-isme/procurement-api/internal/models"
	appErrors "github.com/noah-isme/procurement-api/pkg/errors"
)

// transitionRule describes one legal move of the request state machine.
type transitionRule struct {
	role            models.UserRole
	from            []models.RequestStatus
	to              models.RequestStatus
	requireComment  bool
	requireShipping bool
	defaultComment  string
}

var nonTerminal = []models.RequestStatus{
	models.StatusSaved,
	models.StatusPending,
	models.StatusManagerApproved,
	models.StatusAdminApproved,
	models.StatusUpdatesForManager,
	models.StatusUpdatesForAdmin,
	models.StatusOrdered,
	models.StatusReadyForPickup,
}

// submit has two targets depending on who asked for changes, so it is keyed
// per source status in submitTargets instead of carrying a single rule.to.
var submitTargets = map[models.RequestStatus]models.RequestStatus{
	models.StatusSaved:             models.StatusPending,
	models.StatusUpdatesForManager: models.StatusPending,
	models.StatusUpdatesForAdmin:   models.StatusManagerApproved,
}

var transitionRules = map[models.Action]transitionRule{
	models.ActionSubmit: {
		role:           models.RoleStudent,
		from:           []models.RequestStatus{models.StatusSaved, models.StatusUpdatesForManager, models.StatusUpdatesForAdmin},
		defaultComment: "submitted by %s",
	},
	models.ActionCancel: {
		role:           models.RoleStudent,
		from:           nonTerminal,
		to:             models.StatusCancelled,
		defaultComment: "cancelled by user",
	},
	models.ActionApproveManager: {
		role:           models.RoleManager,
		from:           []models.RequestStatus{models.StatusPending},
		to:             models.StatusManagerApproved,
		defaultComment: "approved by manager",
	},
	models.ActionRejectManager: {
		role:           models.RoleManager,
		from:           []models.RequestStatus{models.StatusPending, models.StatusManagerApproved},
		to:             models.StatusRejected,
		requireComment: true,
	},
	models.ActionUpdateManager: {
		role:           models.RoleManager,
		from:           []models.RequestStatus{models.StatusPending},
		to:             models.StatusUpdatesForManager,
		requireComment: true,
	},
	models.ActionApproveAdmin: {
		role:           models.RoleAdmin,
		from:           []models.RequestStatus{models.StatusManagerApproved},
		to:             models.StatusAdminApproved,
		defaultComment: "approved by admin",
	},
	models.ActionRejectAdmin: {
		role:           models.RoleAdmin,
		from:           nonTerminal[1:],
		to:             models.StatusRejected,
		requireComment: true,
	},
	models.ActionUpdateAdmin: {
		role:           models.RoleAdmin,
		from:           []models.RequestStatus{models.StatusManagerApproved, models.StatusAdminApproved},
		to:             models.StatusUpdatesForAdmin,
		requireComment: true,
	},
	models.ActionUpdateManagerAdmin: {
		role:           models.RoleAdmin,
		from:           []models.RequestStatus{models.StatusManagerApproved, models.StatusAdminApproved},
		to:             models.StatusUpdatesForManager,
		requireComment: true,
	},
	models.ActionOrder: {
		role:            models.RoleAdmin,
		from:            []models.RequestStatus{models.StatusManagerApproved, models.StatusAdminApproved},
		to:              models.StatusOrdered,
		requireShipping: true,
		defaultComment:  "marked as ordered by admin",
	},
	models.ActionReadyForPickup: {
		role:           models.RoleAdmin,
		from:           []models.RequestStatus{models.StatusOrdered},
		to:             models.StatusReadyForPickup,
		defaultComment: "marked as ready by admin",
	},
	models.ActionComplete: {
		role:           models.RoleAdmin,
		from:           []models.RequestStatus{models.StatusReadyForPickup},
		to:             models.StatusComplete,
		defaultComment: "marked as complete by admin",
	},
}

// TransitionPlan is the validated outcome of applying an action to a status.
type TransitionPlan struct {
	Action  models.Action
	From    models.RequestStatus
	To      models.RequestStatus
	Comment string
}

// PlanTransition checks role, source status and comment rules for action and
// returns the resulting move. It never mutates anything.
func PlanTransition(current models.RequestStatus, action models.Action, actor models.Actor, comment string) (*TransitionPlan, error) {
	rule, ok := transitionRules[action]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown action "+string(action))
	}
	if actor.Role != rule.role {
		return nil, appErrors.Clone(appErrors.ErrForbidden, string(action)+" requires role "+string(rule.role))
	}
	if !containsStatus(rule.from, current) {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, string(action)+" not allowed from "+string(current))
	}

	comment = strings.TrimSpace(comment)
	if comment == "" {
		if rule.requireComment {
			return nil, appErrors.Clone(appErrors.ErrValidation, "comment is required for "+string(action))
		}
		comment = rule.defaultComment
		if strings.Contains(comment, "%s") {
			comment = strings.Replace(comment, "%s", actor.Email, 1)
		}
	}

	to := rule.to
	if action == models.ActionSubmit {
		to = submitTargets[current]
	}
	return &TransitionPlan{Action: action, From: current, To: to, Comment: comment}, nil
}

// RequiresShipping reports whether action needs a shipping cost.
func RequiresShipping(action models.Action) bool {
	return transitionRules[action].requireShipping
}

// AllowedActions lists the actions role may take from status.
func AllowedActions(status models.RequestStatus, role models.UserRole) []models.Action {
	actions := make([]models.Action, 0)
	for _, action := range actionOrder {
		rule := transitionRules[action]
		if rule.role == role && containsStatus(rule.from, status) {
			actions = append(actions, action)
		}
	}
	return actions
}

var actionOrder = []models.Action{
	models.ActionSubmit,
	models.ActionCancel,
	models.ActionApproveManager,
	models.ActionRejectManager,
	models.ActionUpdateManager,
	models.ActionApproveAdmin,
	models.ActionRejectAdmin,
	models.ActionUpdateAdmin,
	models.ActionUpdateManagerAdmin,
	models.ActionOrder,
	models.ActionReadyForPickup,
	models.ActionComplete,
}

func containsStatus(list []models.RequestStatus, status models.RequestStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}
