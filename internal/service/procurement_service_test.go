package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/procurement-api/internal/dto"
	"github.com/noah-isme/procurement-api/internal/models"
	appErrors "github.com/noah-isme/procurement-api/pkg/errors"
)

const startingBudget int64 = 100000

func roverProject() models.Project {
	return models.Project{
		ProjectNumber:   100,
		SponsorName:     "NASA",
		ProjectName:     "Rover",
		MemberEmails:    []string{student.Email, manager.Email},
		DefaultBudget:   startingBudget,
		AvailableBudget: startingBudget,
		PendingBudget:   startingBudget,
		Status:          models.ProjectStatusActive,
	}
}

func boltOrder(submit bool) dto.CreateProcurementRequest {
	return dto.CreateProcurementRequest{
		ProjectNumber: 100,
		ManagerEmail:  manager.Email,
		Vendor:        "McMaster",
		Justification: "chassis fasteners",
		Items: []dto.LineItemInput{
			{Description: "hex bolt", PartNumber: "91251A", Quantity: 2, UnitCost: "6.42"},
			{Description: "lock nut", PartNumber: "94895A", Quantity: 1, UnitCost: "4.32"},
		},
		Submit: submit,
	}
}

type engineFixture struct {
	backend *memoryBackend
	bus     *EventBus
	svc     *ProcurementService
	events  []TransitionEvent
}

func newEngine(t *testing.T, opts ...ProcurementServiceOption) *engineFixture {
	t.Helper()
	f := &engineFixture{backend: newMemoryBackend(roverProject()), bus: NewEventBus(zap.NewNop())}
	f.bus.Subscribe(func(evt TransitionEvent) { f.events = append(f.events, evt) })
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := []ProcurementServiceOption{
		WithEventBus(f.bus),
		WithMembershipEnforcement(true),
		WithClock(func() time.Time { return fixed }),
	}
	f.svc = NewProcurementService(f.backend, projectsView{f.backend}, NewLedgerPolicy(nil), append(base, opts...)...)
	return f
}

func (f *engineFixture) transition(t *testing.T, id string, actor models.Actor, action models.Action, comment, shipping string) *models.ProcurementRequest {
	t.Helper()
	req, err := f.svc.Transition(context.Background(), id, actor, dto.TransitionRequest{Action: action, Comment: comment, ShippingCost: shipping})
	require.NoError(t, err)
	return req
}

func TestCreateRequestComputesTotals(t *testing.T) {
	f := newEngine(t)
	req, err := f.svc.CreateRequest(context.Background(), boltOrder(false), student)
	require.NoError(t, err)

	assert.Equal(t, models.StatusSaved, req.Status)
	assert.Equal(t, int64(1716), req.RequestSubtotal)
	assert.Equal(t, int64(1716), req.RequestTotal)
	assert.Equal(t, int64(1284), req.Items[0].TotalCost)
	assert.Nil(t, req.ShippingCost)
	assert.Empty(t, req.History)
	assert.Empty(t, f.events, "saving a draft is not a transition")
}

func TestCreateRequestWithSubmitGoesPending(t *testing.T) {
	f := newEngine(t)
	req, err := f.svc.CreateRequest(context.Background(), boltOrder(true), student)
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, req.Status)
	require.Len(t, req.History, 1)
	assert.Equal(t, models.StatusSaved, req.History[0].OldState)
	assert.Equal(t, models.StatusPending, req.History[0].NewState)
	assert.Equal(t, "submitted by "+student.Email, req.History[0].Comment)
	require.Len(t, f.events, 1)
	assert.Equal(t, models.ActionSubmit, f.events[0].Action)
}

func TestCreateRequestValidation(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()

	_, err := f.svc.CreateRequest(ctx, boltOrder(false), manager)
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))

	bad := boltOrder(false)
	bad.Items[0].UnitCost = "-1.00"
	_, err = f.svc.CreateRequest(ctx, bad, student)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	bad = boltOrder(false)
	bad.Items = nil
	_, err = f.svc.CreateRequest(ctx, bad, student)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	bad = boltOrder(false)
	bad.ProjectNumber = 999
	_, err = f.svc.CreateRequest(ctx, bad, student)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))

	outsider := models.Actor{Email: "outsider@uni.edu", Role: models.RoleStudent}
	_, err = f.svc.CreateRequest(ctx, boltOrder(false), outsider)
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))
}

func TestCreateRequestRejectsInactiveProject(t *testing.T) {
	f := newEngine(t)
	f.backend.projects[100].Status = models.ProjectStatusInactive

	_, err := f.svc.CreateRequest(context.Background(), boltOrder(false), student)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}

// Submit, manager approval, then order with shipping.
func TestLifecycleApproveAndOrderMovesBudget(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	created, err := f.svc.CreateRequest(ctx, boltOrder(false), student)
	require.NoError(t, err)

	submitted, err := f.svc.SubmitRequest(ctx, created.ID, student, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, submitted.Status)
	assert.Equal(t, startingBudget, f.backend.project(100).PendingBudget)

	approved := f.transition(t, created.ID, manager, models.ActionApproveManager, "", "")
	assert.Equal(t, models.StatusManagerApproved, approved.Status)
	project := f.backend.project(100)
	assert.Equal(t, startingBudget-1716, project.PendingBudget)
	assert.Equal(t, startingBudget, project.AvailableBudget)

	ordered := f.transition(t, created.ID, admin, models.ActionOrder, "", "10.00")
	assert.Equal(t, models.StatusOrdered, ordered.Status)
	require.NotNil(t, ordered.ShippingCost)
	assert.Equal(t, int64(1000), *ordered.ShippingCost)
	assert.Equal(t, int64(1716), ordered.RequestSubtotal)
	assert.Equal(t, int64(2716), ordered.RequestTotal)

	project = f.backend.project(100)
	assert.Equal(t, startingBudget-2716, project.PendingBudget)
	assert.Equal(t, startingBudget-2716, project.AvailableBudget)

	history, err := f.svc.GetHistory(ctx, created.ID, admin)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "marked as ordered by admin", history[2].Comment)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].NewState, history[i].OldState, "history must chain")
	}
	assert.Equal(t, ordered.Status, history[len(history)-1].NewState)
}

func TestAdminApproveOnSavedIsInvalidTransition(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	created, err := f.svc.CreateRequest(ctx, boltOrder(false), student)
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, created.ID, admin, dto.TransitionRequest{Action: models.ActionApproveAdmin})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidTransition))

	stored, err := f.svc.GetRequest(ctx, created.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSaved, stored.Status)
	assert.Empty(t, stored.History)
	assert.Equal(t, roverProject().PendingBudget, f.backend.project(100).PendingBudget)
	assert.Empty(t, f.events)
}

func TestRejectAfterManagerApprovalCreditsPending(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	created, err := f.svc.CreateRequest(ctx, boltOrder(true), student)
	require.NoError(t, err)
	f.transition(t, created.ID, manager, models.ActionApproveManager, "", "")
	require.Equal(t, startingBudget-1716, f.backend.project(100).PendingBudget)

	rejected := f.transition(t, created.ID, manager, models.ActionRejectManager, "insufficient justification", "")
	assert.Equal(t, models.StatusRejected, rejected.Status)
	assert.Equal(t, startingBudget, f.backend.project(100).PendingBudget)

	last := rejected.History[len(rejected.History)-1]
	assert.Equal(t, "insufficient justification", last.Comment)
	assert.Equal(t, models.StatusManagerApproved, last.OldState)
	assert.Equal(t, models.StatusRejected, last.NewState)
}

func TestRejectRequiresComment(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	created, err := f.svc.CreateRequest(ctx, boltOrder(true), student)
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, created.ID, manager, dto.TransitionRequest{Action: models.ActionRejectManager, Comment: "   "})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}

func TestTransitionRoleAndActionChecks(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	created, err := f.svc.CreateRequest(ctx, boltOrder(true), student)
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, created.ID, student, dto.TransitionRequest{Action: models.ActionApproveManager})
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))

	_, err = f.svc.Transition(ctx, created.ID, admin, dto.TransitionRequest{Action: "teleport"})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	_, err = f.svc.Transition(ctx, "missing", admin, dto.TransitionRequest{Action: models.ActionCancel})
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestOrderShippingRules(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	created, err := f.svc.CreateRequest(ctx, boltOrder(true), student)
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, created.ID, manager, dto.TransitionRequest{Action: models.ActionApproveManager, ShippingCost: "5.00"})
	assert.True(t, errors.Is(err, appErrors.ErrValidation), "shipping only applies to order")

	f.transition(t, created.ID, manager, models.ActionApproveManager, "", "")

	_, err = f.svc.Transition(ctx, created.ID, admin, dto.TransitionRequest{Action: models.ActionOrder})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
	_, err = f.svc.Transition(ctx, created.ID, admin, dto.TransitionRequest{Action: models.ActionOrder, ShippingCost: "-3"})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	ordered := f.transition(t, created.ID, admin, models.ActionOrder, "", "0")
	assert.Equal(t, int64(1716), ordered.RequestTotal)
}

func TestTerminalActionsAreNotRepeatable(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	created, err := f.svc.CreateRequest(ctx, boltOrder(true), student)
	require.NoError(t, err)

	f.transition(t, created.ID, student, models.ActionCancel, "", "")
	before := f.backend.project(100)

	_, err = f.svc.Transition(ctx, created.ID, student, dto.TransitionRequest{Action: models.ActionCancel})
	assert.True(t, errors.Is(err, appErrors.ErrInvalidTransition))
	assert.Equal(t, before, f.backend.project(100))

	history, err := f.svc.GetHistory(ctx, created.ID, student)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestBudgetConservedAcrossPaths(t *testing.T) {
	paths := map[string][]struct {
		actor    models.Actor
		action   models.Action
		comment  string
		shipping string
	}{
		"complete": {
			{manager, models.ActionApproveManager, "", ""},
			{admin, models.ActionApproveAdmin, "", ""},
			{admin, models.ActionOrder, "", "2.50"},
			{admin, models.ActionReadyForPickup, "", ""},
			{admin, models.ActionComplete, "", ""},
		},
		"cancel after order": {
			{manager, models.ActionApproveManager, "", ""},
			{admin, models.ActionOrder, "", "1.00"},
			{student, models.ActionCancel, "", ""},
		},
		"round trip through updates": {
			{manager, models.ActionApproveManager, "", ""},
			{admin, models.ActionUpdateAdmin, "need quote", ""},
			{student, models.ActionSubmit, "", ""},
			{admin, models.ActionRejectAdmin, "over budget", ""},
		},
	}
	for name, steps := range paths {
		t.Run(name, func(t *testing.T) {
			f := newEngine(t)
			created, err := f.svc.CreateRequest(context.Background(), boltOrder(true), student)
			require.NoError(t, err)

			var last *models.ProcurementRequest
			for _, step := range steps {
				last = f.transition(t, created.ID, step.actor, step.action, step.comment, step.shipping)
			}
			project := f.backend.project(100)
			committed := int64(0)
			if committedStatuses[last.Status] {
				committed = last.RequestTotal
			}
			spent := int64(0)
			if spentStatuses[last.Status] {
				spent = last.RequestTotal
			}
			assert.Equal(t, startingBudget-committed, project.PendingBudget)
			assert.Equal(t, startingBudget-spent, project.AvailableBudget)
			assert.Len(t, last.History, len(steps)+1)
		})
	}
}

func TestStaleSaveIsConcurrentModification(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	created, err := f.svc.CreateRequest(ctx, boltOrder(true), student)
	require.NoError(t, err)

	// Another writer commits between our read and our write.
	f.backend.beforeSave = func(stored *models.ProcurementRequest) {
		stored.Version++
	}
	_, err = f.svc.Transition(ctx, created.ID, manager, dto.TransitionRequest{Action: models.ActionApproveManager})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrConcurrentModification))
	assert.Equal(t, startingBudget, f.backend.project(100).PendingBudget)

	f.backend.beforeSave = nil
	approved := f.transition(t, created.ID, manager, models.ActionApproveManager, "", "")
	assert.Equal(t, models.StatusManagerApproved, approved.Status)
}

func TestPersistenceFailureLeavesStateUntouched(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	created, err := f.svc.CreateRequest(ctx, boltOrder(true), student)
	require.NoError(t, err)

	f.backend.saveErr = errBackendDown
	_, err = f.svc.Transition(ctx, created.ID, manager, dto.TransitionRequest{Action: models.ActionApproveManager})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrPersistence))
	assert.True(t, errors.Is(err, errBackendDown))

	f.backend.saveErr = nil
	stored, err := f.svc.GetRequest(ctx, created.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, startingBudget, f.backend.project(100).PendingBudget)
	assert.Len(t, f.events, 1, "only the create-submit was published")
}

func TestEditRequestRecalculatesAndResubmits(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	created, err := f.svc.CreateRequest(ctx, boltOrder(true), student)
	require.NoError(t, err)
	f.transition(t, created.ID, manager, models.ActionUpdateManager, "add a washer", "")

	edit := dto.EditProcurementRequest{
		ManagerEmail:  manager.Email,
		Vendor:        "McMaster",
		Justification: "chassis fasteners",
		Items: []dto.LineItemInput{
			{Description: "hex bolt", PartNumber: "91251A", Quantity: 2, UnitCost: "6.42"},
			{Description: "washer", PartNumber: "98023A", Quantity: 4, UnitCost: "0.25"},
		},
	}
	saved, err := f.svc.EditRequest(ctx, created.ID, edit, student)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUpdatesForManager, saved.Status)
	assert.Equal(t, int64(1384), saved.RequestTotal)
	assert.Len(t, saved.History, 2, "edit without submit adds no history")

	edit.Submit = true
	edit.Comment = "added washers"
	resubmitted, err := f.svc.EditRequest(ctx, created.ID, edit, student)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, resubmitted.Status)
	require.Len(t, resubmitted.History, 3)
	assert.Equal(t, "added washers", resubmitted.History[2].Comment)
}

func TestEditRequestRejectsNonEditableStatus(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	created, err := f.svc.CreateRequest(ctx, boltOrder(true), student)
	require.NoError(t, err)

	order := boltOrder(false)
	_, err = f.svc.EditRequest(ctx, created.ID, dto.EditProcurementRequest{
		ManagerEmail: order.ManagerEmail, Vendor: order.Vendor, Justification: order.Justification, Items: order.Items,
	}, student)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidTransition))
}

func TestMembershipEnforcement(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	created, err := f.svc.CreateRequest(ctx, boltOrder(true), student)
	require.NoError(t, err)

	outsider := models.Actor{Email: "other-manager@uni.edu", Role: models.RoleManager}
	_, err = f.svc.GetRequest(ctx, created.ID, outsider)
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))
	_, err = f.svc.Transition(ctx, created.ID, outsider, dto.TransitionRequest{Action: models.ActionApproveManager})
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))

	list, err := f.svc.ListRequests(ctx, dto.RequestQuery{}, outsider)
	require.NoError(t, err)
	assert.Empty(t, list)

	open := newEngine(t, WithMembershipEnforcement(false))
	created, err = open.svc.CreateRequest(ctx, boltOrder(true), student)
	require.NoError(t, err)
	_, err = open.svc.GetRequest(ctx, created.ID, outsider)
	assert.NoError(t, err)
}

func TestListRequestsScopesManagers(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	_, err := f.svc.CreateRequest(ctx, boltOrder(false), student)
	require.NoError(t, err)
	pending, err := f.svc.CreateRequest(ctx, boltOrder(true), student)
	require.NoError(t, err)

	managerView, err := f.svc.ListRequests(ctx, dto.RequestQuery{}, manager)
	require.NoError(t, err)
	require.Len(t, managerView, 1)
	assert.Equal(t, pending.ID, managerView[0].ID)

	studentView, err := f.svc.ListRequests(ctx, dto.RequestQuery{}, student)
	require.NoError(t, err)
	assert.Len(t, studentView, 2)

	onlySaved, err := f.svc.ListRequests(ctx, dto.RequestQuery{Statuses: []models.RequestStatus{models.StatusSaved}}, manager)
	require.NoError(t, err)
	assert.Empty(t, onlySaved)

	_, err = f.svc.ListRequests(ctx, dto.RequestQuery{Statuses: []models.RequestStatus{"lost"}}, admin)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	f.backend.listErr = errBackendDown
	_, err = f.svc.ListRequests(ctx, dto.RequestQuery{}, admin)
	assert.True(t, errors.Is(err, appErrors.ErrPersistence))
}

func TestTransitionPublishesEvent(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	created, err := f.svc.CreateRequest(ctx, boltOrder(true), student)
	require.NoError(t, err)
	f.transition(t, created.ID, manager, models.ActionApproveManager, "", "")

	require.Len(t, f.events, 2)
	evt := f.events[1]
	assert.Equal(t, created.ID, evt.RequestID)
	assert.Equal(t, models.ActionApproveManager, evt.Action)
	assert.Equal(t, models.StatusPending, evt.OldState)
	assert.Equal(t, models.StatusManagerApproved, evt.NewState)
	assert.Equal(t, manager.Email, evt.Actor)
	assert.Equal(t, "approved by manager", evt.Comment)
	assert.Equal(t, int64(1716), evt.RequestTotal)
}

func TestAllowedActionsForCaller(t *testing.T) {
	f := newEngine(t)
	req := &models.ProcurementRequest{Status: models.StatusPending}
	assert.ElementsMatch(t,
		[]models.Action{models.ActionApproveManager, models.ActionRejectManager, models.ActionUpdateManager},
		f.svc.AllowedActions(req, manager))
}

func TestCreateRequestRejectsAmountsOutOfRange(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()

	huge := boltOrder(true)
	huge.Items[0].Quantity = 1 << 62
	huge.Items[0].UnitCost = "0.03"
	_, err := f.svc.CreateRequest(ctx, huge, student)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	// each line is within limits but the line total is not
	wide := boltOrder(true)
	wide.Items[0].Quantity = 1_000_000
	wide.Items[0].UnitCost = "999999999.99"
	_, err = f.svc.CreateRequest(ctx, wide, student)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	wrapped := boltOrder(true)
	wrapped.Items[0].UnitCost = "100000000000000000000"
	_, err = f.svc.CreateRequest(ctx, wrapped, student)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	assert.Empty(t, f.backend.requests)
	project := f.backend.project(100)
	assert.Equal(t, startingBudget, project.PendingBudget)
	assert.Equal(t, startingBudget, project.AvailableBudget)
}

func TestOrderRejectsShippingThatOverflowsTotal(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	created, err := f.svc.CreateRequest(ctx, boltOrder(true), student)
	require.NoError(t, err)
	f.transition(t, created.ID, manager, models.ActionApproveManager, "", "")
	pendingBefore := f.backend.project(100).PendingBudget

	_, err = f.svc.Transition(ctx, created.ID, admin, dto.TransitionRequest{Action: models.ActionOrder, ShippingCost: "1000000000000.00"})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	stored, err := f.svc.GetRequest(ctx, created.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusManagerApproved, stored.Status)
	assert.Equal(t, int64(1716), stored.RequestTotal)
	assert.Equal(t, pendingBefore, f.backend.project(100).PendingBudget)
	assert.Equal(t, startingBudget, f.backend.project(100).AvailableBudget)
}

func TestListRequestsFiltersByURL(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	cart := boltOrder(false)
	cart.URL = "https://www.mcmaster.com/cart/77"
	wanted, err := f.svc.CreateRequest(ctx, cart, student)
	require.NoError(t, err)
	_, err = f.svc.CreateRequest(ctx, boltOrder(false), student)
	require.NoError(t, err)

	found, err := f.svc.ListRequests(ctx, dto.RequestQuery{URL: " https://www.mcmaster.com/cart/77 "}, student)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, wanted.ID, found[0].ID)

	none, err := f.svc.ListRequests(ctx, dto.RequestQuery{URL: "https://www.mcmaster.com/cart"}, student)
	require.NoError(t, err)
	assert.Empty(t, none)
}
