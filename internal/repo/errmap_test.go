package repo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapConstraintError(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"nil passes through", nil, nil},
		{"size trigger", errors.New(`ERROR: group is full (chk_max_group_size) (SQLSTATE P0001)`), ErrGroupFull},
		{"constraint name only", errors.New(`new row violates check constraint "chk_max_group_size"`), ErrGroupFull},
		{"inactive group trigger", errors.New(`ERROR: group is not active (SQLSTATE P0001)`), ErrGroupNotActive},
		{"active membership index", errors.New(`duplicate key value violates unique constraint "uq_member_active_websocket"`), ErrUserAlreadyInGroup},
		{"outbox pk postgres", errors.New(`duplicate key value violates unique constraint "event_outbox_pkey"`), ErrEventAlreadyPublished},
		{"outbox pk sqlite", errors.New(`UNIQUE constraint failed: event_outbox.event_id`), ErrEventAlreadyPublished},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.want == nil {
				assert.NoError(t, MapConstraintError(tc.in))
				return
			}
			assert.ErrorIs(t, MapConstraintError(tc.in), tc.want)
		})
	}
}

func TestMapConstraintError_FirstMatchWins(t *testing.T) {
	// a message matching several rows resolves to the earliest entry
	err := errors.New(`group is full; group is not active`)
	assert.ErrorIs(t, MapConstraintError(err), ErrGroupFull)
}

func TestMapConstraintError_UnmatchedPassesThrough(t *testing.T) {
	orig := errors.New("connection refused")
	assert.Equal(t, orig, MapConstraintError(orig))
}
