package pgerr_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/tenantkit/pgerr"
)

func TestIsAlreadyExists(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pgx duplicate table", &pgconn.PgError{Code: pgerr.CodeDuplicateTable, Message: `relation "widgets" already exists`}, true},
		{"pgx duplicate object", &pgconn.PgError{Code: pgerr.CodeDuplicateObject, Message: "type already there"}, true},
		{"pgx duplicate schema", &pgconn.PgError{Code: pgerr.CodeDuplicateSchema}, true},
		{"wrapped pgx duplicate", fmt.Errorf("exec: %w", &pgconn.PgError{Code: pgerr.CodeDuplicateTable}), true},
		{"lib/pq duplicate", &pq.Error{Code: pq.ErrorCode(pgerr.CodeDuplicateTable)}, true},
		{"message only", errors.New(`ERROR: index "idx_a" already exists`), true},
		{"duplicate_object text", errors.New("pq: duplicate_object"), true},
		{"syntax error", &pgconn.PgError{Code: "42601", Message: "syntax error at or near"}, false},
		{"unique violation is data, not DDL", &pgconn.PgError{Code: pgerr.CodeUniqueViolation, Message: "duplicate key value"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, pgerr.IsAlreadyExists(tc.err))
		})
	}
}

func TestSQLState(t *testing.T) {
	assert.Equal(t, "", pgerr.SQLState(nil))
	assert.Equal(t, "", pgerr.SQLState(errors.New("plain")))
	assert.Equal(t, "42P07", pgerr.SQLState(fmt.Errorf("x: %w", &pgconn.PgError{Code: "42P07"})))
	assert.True(t, pgerr.IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
}

func TestWrapTimeout(t *testing.T) {
	t.Run("deadline exceeded context", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		<-ctx.Done()

		err := pgerr.WrapTimeout(ctx, "statement", time.Second, errors.New("boom"))
		var te *pgerr.TimeoutError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "statement", te.Op)
		assert.Equal(t, time.Second, te.Timeout)
		assert.True(t, pgerr.IsTimeout(err))
		assert.Contains(t, err.Error(), "statement timed out after 1s")
	})

	t.Run("error carrying deadline", func(t *testing.T) {
		err := pgerr.WrapTimeout(context.Background(), "provision", 0, fmt.Errorf("ping: %w", context.DeadlineExceeded))
		var te *pgerr.TimeoutError
		require.ErrorAs(t, err, &te)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("other errors unchanged", func(t *testing.T) {
		orig := errors.New("syntax")
		assert.Same(t, orig, pgerr.WrapTimeout(context.Background(), "statement", time.Second, orig))
		assert.NoError(t, pgerr.WrapTimeout(context.Background(), "statement", time.Second, nil))
	})

	t.Run("not double wrapped", func(t *testing.T) {
		inner := &pgerr.TimeoutError{Op: "statement", Err: context.DeadlineExceeded}
		wrapped := fmt.Errorf("apply: %w", inner)
		assert.Same(t, wrapped, pgerr.WrapTimeout(context.Background(), "provision", time.Minute, wrapped))
	})
}
