package pgpool

import "fmt"

// txMarkers returns the SQL a transition into level+1 must issue, following
// the nested-transaction state machine of spec §4.3: a real BEGIN/COMMIT/
// ROLLBACK only at L0 with no pre-existing transaction; a SAVEPOINT named
// "tx" at L0 when the connection was already inside a transaction when
// handed to us; and SAVEPOINT "tx{level}" for every deeper nesting.
//
// Savepoint names are derived from the pre-call level, never the post-call
// one, so names never alias across nesting depth.
func txMarkers(level int, preExisting bool) (begin, commit, rollback string) {
	if level == 0 {
		if preExisting {
			return "SAVEPOINT tx", "RELEASE SAVEPOINT tx", "ROLLBACK TO SAVEPOINT tx"
		}
		return "BEGIN", "COMMIT", "ROLLBACK"
	}
	name := fmt.Sprintf("tx%d", level)
	return "SAVEPOINT " + name, "RELEASE SAVEPOINT " + name, "ROLLBACK TO SAVEPOINT " + name
}
