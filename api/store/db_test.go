package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/relaychat/tms/api/domain"
)

// setupMockContext plants the mock where conn() looks for the transaction,
// so every store method runs against it.
func setupMockContext(mock pgxmock.PgxPoolIface) context.Context {
	return context.WithValue(context.Background(), txKey{}, Querier(mock))
}

func TestAcquireConversationLock(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	s := &Store{}

	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("conv_1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	ctx := setupMockContext(mock)
	if err := s.AcquireConversationLock(ctx, "conv_1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestAcquireConversationLockOutsideTransaction(t *testing.T) {
	s := &Store{}

	err := s.AcquireConversationLock(context.Background(), "conv_1")
	if err == nil {
		t.Fatal("expected error when no transaction is in flight")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("boom"), false},
		{"wrapped deadlock", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "40P01"}), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestMapTxErrSurfacesContentionAsRetryable(t *testing.T) {
	err := mapTxErr(&pgconn.PgError{Code: "40001"})
	if domain.KindOf(err) != domain.KindUpstreamUnavailable {
		t.Errorf("serialization failure must map to the retryable kind, got %v", err)
	}

	// The Postgres code stays reachable for callers that inspect it.
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "40001" {
		t.Error("original error must stay wrapped")
	}

	// Everything else passes through untouched.
	dup := &pgconn.PgError{Code: "23505"}
	if got := mapTxErr(dup); !errors.Is(got, dup) {
		t.Errorf("non-retryable error must pass through, got %v", got)
	}
}
