package compliance

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goldclear.io/clearing/internal/domain"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewService(store), store
}

func openCase(t *testing.T, svc *Service, userID string, tier domain.ComplianceTier) *domain.ComplianceCase {
	t.Helper()
	c, err := svc.OpenCase(context.Background(), OpenRequest{UserID: userID, OrgID: "org-" + userID, Tier: tier})
	require.NoError(t, err)
	return c
}

// toProvider drives a new case to PENDING_PROVIDER under inquiryID.
func toProvider(t *testing.T, svc *Service, c *domain.ComplianceCase, inquiryID string, docs ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.StartVerification(ctx, c.ID)
	require.NoError(t, err)
	_, err = svc.SubmitDocuments(ctx, c.ID, inquiryID, docs)
	require.NoError(t, err)
}

func TestTransitionGraph(t *testing.T) {
	t.Parallel()

	allowed := map[domain.ComplianceStatus][]domain.ComplianceStatus{
		domain.ComplianceOpen:        {domain.CompliancePendingUser, domain.ComplianceClosed},
		domain.CompliancePendingUser: {domain.CompliancePendingProvider, domain.ComplianceClosed},
		domain.CompliancePendingProvider: {
			domain.ComplianceUnderReview, domain.ComplianceApproved, domain.ComplianceRejected,
			domain.CompliancePendingUser, domain.ComplianceClosed,
		},
		domain.ComplianceUnderReview: {domain.ComplianceApproved, domain.ComplianceRejected, domain.CompliancePendingProvider},
		domain.ComplianceApproved:    nil,
		domain.ComplianceRejected:    {domain.ComplianceOpen},
		domain.ComplianceClosed:      nil,
	}
	all := []domain.ComplianceStatus{
		domain.ComplianceOpen, domain.CompliancePendingUser, domain.CompliancePendingProvider,
		domain.ComplianceUnderReview, domain.ComplianceApproved, domain.ComplianceRejected, domain.ComplianceClosed,
	}

	for _, from := range all {
		assert.True(t, ValidStatus(from))
		for _, to := range all {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, ValidStatus("PAUSED"))
	assert.Empty(t, Allowed("PAUSED"))
}

func TestUpdateStatus_OpenToApprovedIsInvalid(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t)
	c := openCase(t, svc, "u1", domain.TierBasic)

	_, err := svc.UpdateStatus(context.Background(), c.ID, domain.ComplianceApproved, domain.ComplianceOpen, "", domain.EventActorSystem)
	te, ok := apperrors.AsTransitionError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ReasonInvalidTransition, te.Reason)
	assert.Equal(t, c.ID, te.CaseID)
	assert.Equal(t, string(domain.ComplianceOpen), te.Expected)
	assert.Equal(t, string(domain.ComplianceApproved), te.Target)

	stored, err := store.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ComplianceOpen, stored.Status)
}

func TestUpdateStatus_StaleExpectedIsConflict(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	c := openCase(t, svc, "u1", domain.TierBasic)
	_, err := svc.StartVerification(context.Background(), c.ID)
	require.NoError(t, err)

	_, err = svc.UpdateStatus(context.Background(), c.ID, domain.ComplianceClosed, domain.ComplianceOpen, "", domain.EventActorUser)
	te, ok := apperrors.AsTransitionError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ReasonConcurrentConflict, te.Reason)
	assert.Equal(t, string(domain.CompliancePendingUser), te.Actual)
}

func TestUpdateStatus_ConcurrentExactlyOneWins(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t)
	c := openCase(t, svc, "u1", domain.TierStandard)
	toProvider(t, svc, c, "inq-1")

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		target := domain.ComplianceApproved
		if i%2 == 1 {
			target = domain.ComplianceRejected
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.UpdateStatus(context.Background(), c.ID, target, domain.CompliancePendingProvider, "", domain.EventActorProvider)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case apperrors.IsReason(err, apperrors.ReasonConcurrentConflict):
				conflicts++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)

	events, err := store.Events(context.Background(), c.ID)
	require.NoError(t, err)
	// opened, started, submitted, and the single winning transition
	assert.Len(t, events, 4)
}

func TestUpdateStatus_UnknownCase(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	_, err := svc.UpdateStatus(context.Background(), "cmp-missing", domain.CompliancePendingUser, domain.ComplianceOpen, "", domain.EventActorUser)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeComplianceCaseNotFound, appErr.Code)
}

func TestUpdateStatus_SetsTier(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	c := openCase(t, svc, "u1", domain.TierBasic)
	toProvider(t, svc, c, "inq-1")

	updated, err := svc.UpdateStatus(context.Background(), c.ID, domain.ComplianceApproved, domain.CompliancePendingProvider,
		domain.TierInstitutional, domain.EventActorSystem)
	require.NoError(t, err)
	assert.Equal(t, domain.TierInstitutional, updated.Tier)

	_, err = svc.UpdateStatus(context.Background(), c.ID, domain.ComplianceClosed, domain.ComplianceApproved, "", domain.EventActorSystem)
	require.True(t, apperrors.IsReason(err, apperrors.ReasonInvalidTransition))
}

func TestOpenCase_OnePerUser(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t)
	first := openCase(t, svc, "u1", domain.TierBasic)
	second := openCase(t, svc, "u1", domain.TierInstitutional)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.TierBasic, second.Tier)

	events, err := store.Events(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, ActionCaseOpened, events[0].Action)

	_, err = svc.OpenCase(context.Background(), OpenRequest{UserID: " ", Tier: "PLATINUM"})
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeValidationFailed, appErr.Code)
	assert.Len(t, appErr.FieldErrors, 2)
}

func TestSubmitDocuments_RequiresPendingUser(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	c := openCase(t, svc, "u1", domain.TierBasic)

	_, err := svc.SubmitDocuments(context.Background(), c.ID, "inq-1", nil)
	require.True(t, apperrors.IsReason(err, apperrors.ReasonInvalidTransition))

	_, err = svc.SubmitDocuments(context.Background(), c.ID, "", nil)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeInvalidRequestField, appErr.Code)
}

func TestOutcomeTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kyc  KYCOutcome
		aml  AMLOutcome
		want domain.ComplianceStatus
	}{
		{KYCPass, AMLClear, domain.ComplianceApproved},
		{KYCPass, AMLPossibleMatch, domain.ComplianceUnderReview},
		{KYCPass, AMLConfirmedMatch, domain.ComplianceRejected},
		{KYCReview, AMLClear, domain.ComplianceUnderReview},
		{KYCReview, AMLPossibleMatch, domain.ComplianceUnderReview},
		{KYCReview, AMLConfirmedMatch, domain.ComplianceRejected},
		{KYCFail, AMLClear, domain.ComplianceRejected},
		{KYCFail, AMLPossibleMatch, domain.ComplianceRejected},
		{KYCFail, AMLConfirmedMatch, domain.ComplianceRejected},
	}
	for _, tt := range tests {
		got, err := OutcomeTarget(tt.kyc, tt.aml)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s/%s", tt.kyc, tt.aml)
	}

	_, err := OutcomeTarget("MAYBE", AMLClear)
	require.Error(t, err)
	_, err = OutcomeTarget(KYCPass, "UNKNOWN")
	require.Error(t, err)
}

func TestApplyProviderOutcome(t *testing.T) {
	t.Parallel()

	t.Run("review then approve", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		c := openCase(t, svc, "u1", domain.TierStandard)
		toProvider(t, svc, c, "inq-1")

		got, err := svc.ApplyProviderOutcome(context.Background(), "inq-1", KYCReview, AMLClear)
		require.NoError(t, err)
		assert.Equal(t, domain.ComplianceUnderReview, got.Status)

		got, err = svc.ApplyProviderOutcome(context.Background(), "inq-1", KYCPass, AMLClear)
		require.NoError(t, err)
		assert.Equal(t, domain.ComplianceApproved, got.Status)
	})

	t.Run("duplicate webhook is reconciled", func(t *testing.T) {
		t.Parallel()
		svc, store := newTestService(t)
		c := openCase(t, svc, "u1", domain.TierStandard)
		toProvider(t, svc, c, "inq-1")

		_, err := svc.ApplyProviderOutcome(context.Background(), "inq-1", KYCPass, AMLClear)
		require.NoError(t, err)
		got, err := svc.ApplyProviderOutcome(context.Background(), "inq-1", KYCPass, AMLClear)
		require.NoError(t, err)
		assert.Equal(t, domain.ComplianceApproved, got.Status)

		events, err := store.Events(context.Background(), c.ID)
		require.NoError(t, err)
		assert.Equal(t, ActionDuplicateOutcome, events[len(events)-1].Action)
	})

	t.Run("conflicting late verdict is refused", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		c := openCase(t, svc, "u1", domain.TierStandard)
		toProvider(t, svc, c, "inq-1")

		_, err := svc.ApplyProviderOutcome(context.Background(), "inq-1", KYCPass, AMLClear)
		require.NoError(t, err)
		_, err = svc.ApplyProviderOutcome(context.Background(), "inq-1", KYCFail, AMLClear)
		require.True(t, apperrors.IsReason(err, apperrors.ReasonInvalidTransition))
	})

	t.Run("unknown inquiry", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		_, err := svc.ApplyProviderOutcome(context.Background(), "inq-none", KYCPass, AMLClear)
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.CodeComplianceCaseNotFound, appErr.Code)
	})

	t.Run("concurrent duplicates converge", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		c := openCase(t, svc, "u1", domain.TierStandard)
		toProvider(t, svc, c, "inq-1")

		var wg sync.WaitGroup
		errs := make([]error, 6)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = svc.ApplyProviderOutcome(context.Background(), "inq-1", KYCFail, AMLConfirmedMatch)
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			assert.NoError(t, err)
		}
		got, err := svc.Get(context.Background(), c.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ComplianceRejected, got.Status)
	})
}

func TestReapply(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	c := openCase(t, svc, "u1", domain.TierBasic)
	_, err := svc.Reapply(context.Background(), c.ID)
	require.True(t, apperrors.IsReason(err, apperrors.ReasonConcurrentConflict))

	toProvider(t, svc, c, "inq-1")
	_, err = svc.ApplyProviderOutcome(context.Background(), "inq-1", KYCFail, AMLClear)
	require.NoError(t, err)

	got, err := svc.Reapply(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ComplianceOpen, got.Status)
}

func TestCapability(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status domain.ComplianceStatus
		tier   domain.ComplianceTier
		want   domain.Capability
	}{
		{"open", domain.ComplianceOpen, domain.TierInstitutional, domain.CapabilityBrowse},
		{"pending provider", domain.CompliancePendingProvider, domain.TierBasic, domain.CapabilityQuote},
		{"under review", domain.ComplianceUnderReview, domain.TierBasic, domain.CapabilityQuote},
		{"approved basic", domain.ComplianceApproved, domain.TierBasic, domain.CapabilityLock},
		{"approved standard", domain.ComplianceApproved, domain.TierStandard, domain.CapabilityExecute},
		{"approved institutional", domain.ComplianceApproved, domain.TierInstitutional, domain.CapabilitySettle},
		{"rejected", domain.ComplianceRejected, domain.TierInstitutional, domain.CapabilityBrowse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CapabilityFor(&domain.ComplianceCase{Status: tt.status, Tier: tt.tier})
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, domain.CapabilityBrowse, CapabilityFor(nil))

	svc, _ := newTestService(t)
	require.NoError(t, svc.RequireCapability(context.Background(), "nobody", domain.CapabilityBrowse))
	err := svc.RequireCapability(context.Background(), "nobody", domain.CapabilityExecute)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeCapabilityDenied, appErr.Code)
	assert.Equal(t, "browse", appErr.Params["have"])

	c := openCase(t, svc, "u2", domain.TierStandard)
	toProvider(t, svc, c, "inq-2")
	_, err = svc.ApplyProviderOutcome(context.Background(), "inq-2", KYCPass, AMLClear)
	require.NoError(t, err)
	require.NoError(t, svc.RequireCapability(context.Background(), "u2", domain.CapabilityExecute))
	require.Error(t, svc.RequireCapability(context.Background(), "u2", domain.CapabilitySettle))
}

func TestEvidence(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ev, err := svc.Evidence(context.Background(), "org-none")
	require.NoError(t, err)
	assert.Nil(t, ev)

	c := openCase(t, svc, "u1", domain.TierInstitutional)
	toProvider(t, svc, c, "inq-1", DocProofOfFunds)

	ev, err = svc.Evidence(context.Background(), "org-u1")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.False(t, ev.ComplianceApproved)
	assert.True(t, ev.ProofOfFunds)
	assert.False(t, ev.TitleDocuments)

	_, err = svc.ApplyProviderOutcome(context.Background(), "inq-1", KYCPass, AMLClear)
	require.NoError(t, err)
	ev, err = svc.Evidence(context.Background(), "org-u1")
	require.NoError(t, err)
	assert.True(t, ev.ComplianceApproved)
}
