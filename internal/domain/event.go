package domain

// LifecycleEvent is published after a ledger entry has been committed.
type LifecycleEvent struct {
	Case  SettlementCase
	Entry LedgerEntry
}
