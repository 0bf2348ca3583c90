package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/procurement-api/internal/models"
	appErrors "github.com/noah-isme/procurement-api/pkg/errors"
)

func TestLedgerTransitionDelta(t *testing.T) {
	policy := NewLedgerPolicy(nil)

	approve := policy.TransitionDelta(7, models.StatusPending, 1716, models.StatusManagerApproved, 1716)
	assert.Equal(t, models.LedgerDelta{ProjectNumber: 7, Pending: -1716}, approve)

	order := policy.TransitionDelta(7, models.StatusManagerApproved, 1716, models.StatusOrdered, 2716)
	assert.Equal(t, models.LedgerDelta{ProjectNumber: 7, Pending: -1000, Available: -2716}, order)

	reject := policy.TransitionDelta(7, models.StatusManagerApproved, 1716, models.StatusRejected, 1716)
	assert.Equal(t, models.LedgerDelta{ProjectNumber: 7, Pending: 1716}, reject)

	cancelOrdered := policy.TransitionDelta(7, models.StatusOrdered, 2716, models.StatusCancelled, 2716)
	assert.Equal(t, models.LedgerDelta{ProjectNumber: 7, Pending: 2716, Available: 2716}, cancelOrdered)

	submit := policy.TransitionDelta(7, models.StatusSaved, 1716, models.StatusPending, 1716)
	assert.True(t, submit.IsZero())
}

func TestLedgerConservationAcrossPaths(t *testing.T) {
	policy := NewLedgerPolicy(nil)
	paths := [][]models.RequestStatus{
		{models.StatusSaved, models.StatusPending, models.StatusManagerApproved, models.StatusAdminApproved, models.StatusOrdered, models.StatusCancelled},
		{models.StatusSaved, models.StatusPending, models.StatusManagerApproved, models.StatusUpdatesForAdmin, models.StatusManagerApproved, models.StatusRejected},
		{models.StatusPending, models.StatusManagerApproved, models.StatusUpdatesForManager, models.StatusPending, models.StatusCancelled},
	}
	for _, path := range paths {
		var pending, available int64
		for i := 1; i < len(path); i++ {
			d := policy.TransitionDelta(1, path[i-1], 500, path[i], 500)
			pending += d.Pending
			available += d.Available
		}
		assert.Zero(t, pending, "%v", path)
		assert.Zero(t, available, "%v", path)
	}
}

func TestLedgerCostEffect(t *testing.T) {
	policy := NewLedgerPolicy(nil)
	project := &models.Project{ProjectNumber: 3, DefaultBudget: 10000, AvailableBudget: 8000, PendingBudget: 7000}

	delta, def, err := policy.CostEffect(project, &models.Cost{Type: models.CostTypeRefund, Amount: 500})
	require.NoError(t, err)
	assert.Equal(t, int64(10000), def)
	assert.Equal(t, models.LedgerDelta{ProjectNumber: 3, Available: 500, Pending: 500}, delta)

	delta, _, err = policy.CostEffect(project, &models.Cost{Type: models.CostTypeReimbursement, Amount: 250})
	require.NoError(t, err)
	assert.Equal(t, int64(-250), delta.Available)

	delta, def, err = policy.CostEffect(project, &models.Cost{Type: models.CostTypeNewBudget, Amount: 12000})
	require.NoError(t, err)
	assert.Equal(t, int64(12000), def)
	assert.Equal(t, int64(2000), delta.Pending)

	_, _, err = policy.CostEffect(project, &models.Cost{Type: models.CostTypeRefund, Amount: 2500})
	require.ErrorIs(t, err, appErrors.ErrValidation)

	_, _, err = policy.CostEffect(project, &models.Cost{Type: "bonus", Amount: 1})
	require.ErrorIs(t, err, appErrors.ErrValidation)

	_, _, err = policy.CostEffect(project, &models.Cost{Type: models.CostTypeCut, Amount: 0})
	require.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestLedgerConfigurableSigns(t *testing.T) {
	policy := NewLedgerPolicy(map[string]int{"funding": 1})
	project := &models.Project{ProjectNumber: 3, DefaultBudget: 10000, AvailableBudget: 5000}

	delta, _, err := policy.CostEffect(project, &models.Cost{Type: models.CostTypeFunding, Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(100), delta.Available)
}

func TestLedgerRecompute(t *testing.T) {
	policy := NewLedgerPolicy(nil)
	project := &models.Project{DefaultBudget: 10000}
	costs := []models.Cost{
		{Type: models.CostTypeRefund, Amount: 300},
		{Type: models.CostTypeReimbursement, Amount: 100},
		{Type: models.CostTypeNewBudget, Amount: 10000},
	}
	available, pending := policy.Recompute(project, models.LedgerTotals{Committed: 4000, Spent: 2716}, costs)
	assert.Equal(t, int64(10000-2716+200), available)
	assert.Equal(t, int64(10000-4000+200), pending)
}

func TestLedgerStatusSets(t *testing.T) {
	assert.Len(t, CommittedStatuses(), 5)
	assert.Equal(t, []models.RequestStatus{models.StatusOrdered, models.StatusReadyForPickup, models.StatusComplete}, SpentStatuses())
}
