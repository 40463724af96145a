package ledger

// SeedBalance is a test helper that sets the counters of an account when
// using the in-memory ledger. It writes no ledger row, so Reconcile reports
// the seeded amount as drift.
func SeedBalance(l Ledger, accountID string, assigned, used int64) {
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		b := mem.account(accountID)
		b.Assigned = assigned
		b.Used = used
	}
}
