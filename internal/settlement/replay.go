package settlement

import (
	"errors"
	"fmt"
	"time"

	"goldclear.io/clearing/internal/domain"
)

// ErrLedgerInconsistent is returned when a ledger cannot be replayed.
var ErrLedgerInconsistent = errors.New("ledger inconsistent")

// ReplayState is what a ledger says about its case.
type ReplayState struct {
	Status              domain.SettlementStatus
	LastSeq             int64
	LastTimestamp       time.Time
	Last                domain.LedgerEntry
	Authorized          bool
	FundsConfirmed      bool
	GoldAllocated       bool
	VerificationCleared bool
	// Sealed is true when the ledger holds a terminal entry; nothing may follow it.
	Sealed bool
}

// forwardEdge returns the (from, to) statuses of a step on the fixed forward
// path. ok is false for entries that are not forward steps.
func forwardEdge(t domain.LedgerEntryType) (from, to domain.SettlementStatus, ok bool) {
	switch t {
	case domain.EntryEscrowOpened:
		return domain.SettlementDraft, domain.SettlementEscrowOpen, true
	case domain.EntryFundingRequested:
		return domain.SettlementEscrowOpen, domain.SettlementAwaitingFunds, true
	case domain.EntryFundsConfirmed:
		return domain.SettlementAwaitingFunds, domain.SettlementAwaitingGold, true
	case domain.EntryGoldAllocated:
		return domain.SettlementAwaitingGold, domain.SettlementAwaitingVerification, true
	case domain.EntryVerificationCleared:
		return domain.SettlementAwaitingVerification, domain.SettlementReadyToSettle, true
	case domain.EntryAuthorization:
		return domain.SettlementReadyToSettle, domain.SettlementAuthorized, true
	case domain.EntryDvPExecuted:
		return domain.SettlementAuthorized, domain.SettlementSettled, true
	case domain.EntryCaseOpened, domain.EntrySettlementFailed, domain.EntryCancelled,
		domain.EntryDvPBlocked, domain.EntryLogisticsFailed, domain.EntryPolicyRecheck,
		domain.EntryAmbiguousDetected, domain.EntryOperatorReconciled:
		return "", "", false
	}
	return "", "", false
}

// Replay folds a ledger into the status it implies. Sequence numbers must
// run 1..n, timestamps must strictly increase, and no entry may follow a
// terminal one. AMBIGUOUS_STATE_DETECTED may follow any non-terminal entry;
// OPERATOR_RECONCILED carries the status the operator chose.
func Replay(entries []domain.LedgerEntry) (ReplayState, error) {
	var st ReplayState
	if len(entries) == 0 {
		return st, fmt.Errorf("%w: empty ledger", ErrLedgerInconsistent)
	}

	for i, e := range entries {
		if e.Seq != int64(i)+1 {
			return st, fmt.Errorf("%w: entry %d has seq %d", ErrLedgerInconsistent, i+1, e.Seq)
		}
		if i > 0 && !e.Timestamp.After(st.LastTimestamp) {
			return st, fmt.Errorf("%w: seq %d timestamp does not advance", ErrLedgerInconsistent, e.Seq)
		}
		if st.Sealed {
			return st, fmt.Errorf("%w: seq %d %s follows terminal entry", ErrLedgerInconsistent, e.Seq, e.Type)
		}

		next, err := apply(st, e, i == 0)
		if err != nil {
			return st, fmt.Errorf("%w: seq %d: %v", ErrLedgerInconsistent, e.Seq, err)
		}
		if e.Status != next {
			return st, fmt.Errorf("%w: seq %d records %s but implies %s", ErrLedgerInconsistent, e.Seq, e.Status, next)
		}

		switch e.Type {
		case domain.EntryAuthorization:
			st.Authorized = true
		case domain.EntryFundsConfirmed:
			st.FundsConfirmed = true
		case domain.EntryGoldAllocated:
			st.GoldAllocated = true
		case domain.EntryVerificationCleared:
			st.VerificationCleared = true
		}
		st.Status = next
		st.LastSeq = e.Seq
		st.LastTimestamp = e.Timestamp
		st.Last = e
		st.Sealed = next.IsTerminal()
	}
	return st, nil
}

func apply(st ReplayState, e domain.LedgerEntry, first bool) (domain.SettlementStatus, error) {
	cur := st.Status
	if first {
		if e.Type != domain.EntryCaseOpened {
			return "", fmt.Errorf("ledger must open with %s, got %s", domain.EntryCaseOpened, e.Type)
		}
		return domain.SettlementDraft, nil
	}

	switch e.Type {
	case domain.EntryCaseOpened:
		return "", fmt.Errorf("%s may only appear first", e.Type)

	case domain.EntryEscrowOpened, domain.EntryFundingRequested, domain.EntryFundsConfirmed,
		domain.EntryGoldAllocated, domain.EntryVerificationCleared, domain.EntryAuthorization:
		from, to, _ := forwardEdge(e.Type)
		if cur != from {
			return "", fmt.Errorf("%s requires %s, case is %s", e.Type, from, cur)
		}
		return to, nil

	case domain.EntryDvPExecuted:
		if cur != domain.SettlementAuthorized || !st.Authorized {
			return "", fmt.Errorf("%s requires a prior %s", e.Type, domain.EntryAuthorization)
		}
		return domain.SettlementSettled, nil

	case domain.EntrySettlementFailed, domain.EntryCancelled:
		if cur == domain.SettlementAmbiguous {
			return "", fmt.Errorf("%s not allowed while ambiguous", e.Type)
		}
		if e.Type == domain.EntryCancelled {
			return domain.SettlementCancelled, nil
		}
		return domain.SettlementFailed, nil

	case domain.EntryDvPBlocked, domain.EntryLogisticsFailed:
		if cur != domain.SettlementAuthorized {
			return "", fmt.Errorf("%s requires %s, case is %s", e.Type, domain.SettlementAuthorized, cur)
		}
		return cur, nil

	case domain.EntryPolicyRecheck:
		if cur == domain.SettlementAmbiguous {
			return "", fmt.Errorf("%s not allowed while ambiguous", e.Type)
		}
		return cur, nil

	case domain.EntryAmbiguousDetected:
		return domain.SettlementAmbiguous, nil

	case domain.EntryOperatorReconciled:
		if cur != domain.SettlementAmbiguous {
			return "", fmt.Errorf("%s requires %s, case is %s", e.Type, domain.SettlementAmbiguous, cur)
		}
		if !e.Status.Valid() || e.Status == domain.SettlementAmbiguous {
			return "", fmt.Errorf("%s to invalid status %q", e.Type, e.Status)
		}
		if e.Status == domain.SettlementSettled && !st.Authorized {
			return "", fmt.Errorf("%s to %s requires a prior %s", e.Type, e.Status, domain.EntryAuthorization)
		}
		return e.Status, nil
	}
	return "", fmt.Errorf("unknown entry type %q", e.Type)
}
