package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/schjonhaug/tapcustody/internal/domain"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   error
		want error
	}{
		{"missing row", gorm.ErrRecordNotFound, domain.ErrNotFound},
		{"serialization failure", &pgconn.PgError{Code: "40001", Message: "could not serialize access"}, domain.ErrStale},
		{"deadlock", fmt.Errorf("update: %w", &pgconn.PgError{Code: "40P01"}), domain.ErrStale},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, domain.ErrStoreUnavailable},
		{"timeout", context.DeadlineExceeded, domain.ErrStoreUnavailable},
	}
	for _, tc := range cases {
		if got := mapError(tc.in); !errors.Is(got, tc.want) {
			t.Fatalf("%s: mapError = %v, want %v", tc.name, got, tc.want)
		}
	}

	if mapError(nil) != nil {
		t.Fatal("nil must stay nil")
	}
	other := &pgconn.PgError{Code: "23503"}
	if got := mapError(other); domain.Code(got) != "INTERNAL_ERROR" {
		t.Fatalf("foreign key violation code = %s", domain.Code(got))
	}
}

func TestSessionProofSurvivesStorage(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := domain.Session{
		ID:        "s1",
		TokenID:   "04",
		UserID:    "u2",
		Phase:     domain.PhaseFileOp,
		Proof:     &domain.TransferProof{TransferID: "t1", Counter: 3, ChainHash: []byte{1, 2}, VerifiedAt: at},
		CreatedAt: at,
		ExpiresAt: at.Add(30 * time.Second),
		UpdatedAt: at,
	}
	rec, err := toSessionModel(s)
	if err != nil {
		t.Fatalf("to model: %v", err)
	}
	if rec.Phase != "FILE_OP" {
		t.Fatalf("phase column = %q", rec.Phase)
	}
	got, err := toDomainSession(rec)
	if err != nil {
		t.Fatalf("to domain: %v", err)
	}
	if got.Phase != domain.PhaseFileOp || got.Proof == nil || got.Proof.Counter != 3 || !got.Proof.VerifiedAt.Equal(at) {
		t.Fatalf("session = %+v proof=%+v", got, got.Proof)
	}

	rec.Phase = "SOMETHING"
	if _, err := toDomainSession(rec); err == nil {
		t.Fatal("expected an error for an unknown phase")
	}
}
