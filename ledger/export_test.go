package ledger

// HeldSlots exposes the live slot count of a LocalLocker to external tests.
func HeldSlots(l *LocalLocker) int {
	return l.held()
}
