package repo

import "strings"

// The store enforces several invariants declaratively (constraints and the
// size trigger in migrate.go) and reports violations as free-text driver
// messages. This table translates them into typed errors. Evaluation is
// ordered and the first match wins; keep it in sync with the constraint
// names declared in migrate.go.
type errMapping struct {
	substr string
	mapped error
}

var constraintErrMap = []errMapping{
	{"group is full", ErrGroupFull},
	{"chk_max_group_size", ErrGroupFull},
	{"group is not active", ErrGroupNotActive},
	{"member is not active", ErrMemberNotActive},
	{"uq_member_active_websocket", ErrUserAlreadyInGroup},
	{"duplicate key value violates unique constraint \"event_outbox_pkey\"", ErrEventAlreadyPublished},
	{"UNIQUE constraint failed: event_outbox.event_id", ErrEventAlreadyPublished},
}

// MapConstraintError translates a storage-layer constraint violation into a
// typed domain error. Unmatched errors pass through unchanged.
func MapConstraintError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, m := range constraintErrMap {
		if strings.Contains(msg, m.substr) {
			return m.mapped
		}
	}
	return err
}
