package repository

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func historyRow(customerID string, at time.Time, location string, label int) *domain.HistoryRow {
	return &domain.HistoryRow{
		TransactionType: "RTP",
		Amount:          120.5,
		DeviceType:      "mobile",
		PaymentMethod:   "bank_transfer",
		HistoricalRecord: domain.HistoricalRecord{
			CustomerID:                 customerID,
			Location:                   location,
			FailedLoginAttempts:        1,
			NewBeneficiaryAdded:        true,
			UnusualLocation:            false,
			TimeGapBetweenTransactions: 2.5,
			TransactionFrequencyPerDay: 3,
			FraudLabel:                 label,
			TransactionAt:              at,
		},
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("LatestHistoryPicksNewestRow", func(t *testing.T) {
		rows := []*domain.HistoryRow{
			historyRow("CUST-1", base, "Paris", 0),
			historyRow("CUST-1", base.Add(48*time.Hour), "London", 2),
			historyRow("CUST-1", base.Add(24*time.Hour), "Berlin", 1),
		}
		if _, err := repo.SaveHistory(ctx, rows); err != nil {
			t.Fatalf("SaveHistory failed: %v", err)
		}

		rec, err := repo.LatestHistory(ctx, "CUST-1")
		if err != nil {
			t.Fatalf("LatestHistory failed: %v", err)
		}

		if rec.Location != "London" {
			t.Errorf("expected latest location London, got %s", rec.Location)
		}
		if rec.FraudLabel != 2 {
			t.Errorf("expected fraud label 2, got %d", rec.FraudLabel)
		}
		if !rec.TransactionAt.Equal(base.Add(48 * time.Hour)) {
			t.Errorf("expected timestamp %v, got %v", base.Add(48*time.Hour), rec.TransactionAt)
		}
		if !rec.NewBeneficiaryAdded || rec.UnusualLocation {
			t.Errorf("unexpected flags: new_beneficiary=%v unusual=%v", rec.NewBeneficiaryAdded, rec.UnusualLocation)
		}
		if rec.FailedLoginAttempts != 1 || rec.TimeGapBetweenTransactions != 2.5 || rec.TransactionFrequencyPerDay != 3 {
			t.Errorf("unexpected counters: %+v", rec)
		}
	})

	t.Run("UnknownCustomer", func(t *testing.T) {
		_, err := repo.LatestHistory(ctx, "CUST-404")
		if !errors.Is(err, domain.ErrCustomerNotFound) {
			t.Errorf("expected ErrCustomerNotFound, got %v", err)
		}
	})

	t.Run("NullColumnIsMalformed", func(t *testing.T) {
		row := historyRow("CUST-NULL", base, "Paris", 0)
		row.Missing = map[string]bool{"unusual_location": true}
		if _, err := repo.SaveHistory(ctx, []*domain.HistoryRow{row}); err != nil {
			t.Fatalf("SaveHistory failed: %v", err)
		}

		_, err := repo.LatestHistory(ctx, "CUST-NULL")
		var malformed *domain.MalformedHistoryError
		if !errors.As(err, &malformed) {
			t.Fatalf("expected MalformedHistoryError, got %v", err)
		}
		if malformed.Field != "unusual_location" {
			t.Errorf("expected field unusual_location, got %s", malformed.Field)
		}
	})

	t.Run("NullTimestampSortsLast", func(t *testing.T) {
		undated := historyRow("CUST-NAT", time.Time{}, "Nowhere", 0)
		dated := historyRow("CUST-NAT", base, "Madrid", 0)
		if _, err := repo.SaveHistory(ctx, []*domain.HistoryRow{undated, dated}); err != nil {
			t.Fatalf("SaveHistory failed: %v", err)
		}

		rec, err := repo.LatestHistory(ctx, "CUST-NAT")
		if err != nil {
			t.Fatalf("LatestHistory failed: %v", err)
		}
		if rec.Location != "Madrid" {
			t.Errorf("expected dated row, got %s", rec.Location)
		}
	})

	t.Run("SaveHistoryRejectsEmptyCustomer", func(t *testing.T) {
		_, err := repo.SaveHistory(ctx, []*domain.HistoryRow{historyRow("", base, "Paris", 0)})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("ListCustomerIDs", func(t *testing.T) {
		ids, err := repo.ListCustomerIDs(ctx)
		if err != nil {
			t.Fatalf("ListCustomerIDs failed: %v", err)
		}
		sort.Strings(ids)

		want := []string{"CUST-1", "CUST-NAT", "CUST-NULL"}
		if len(ids) != len(want) {
			t.Fatalf("expected %v, got %v", want, ids)
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Errorf("expected %s at %d, got %s", want[i], i, ids[i])
			}
		}
	})

	t.Run("SaveAndGetVerdict", func(t *testing.T) {
		vector := domain.FeatureVector{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}
		v := &domain.Verdict{
			ID:              "verdict-001",
			CustomerID:      "CUST-1",
			Prediction:      domain.ClassATO,
			FraudType:       "ATO (ML-Based)",
			ActualLabel:     2,
			ActualFraudType: "ATO",
			Origin:          domain.OriginModel,
			Timestamp:       time.Now().UTC().Truncate(time.Second),
			Vector:          &vector,
			Metadata: domain.VerdictMetadata{
				TraceID:       "trace-1",
				TotalMs:       4,
				EngineVersion: "test",
			},
		}

		if err := repo.SaveVerdict(ctx, v); err != nil {
			t.Fatalf("SaveVerdict failed: %v", err)
		}

		got, err := repo.GetVerdict(ctx, v.ID)
		if err != nil {
			t.Fatalf("GetVerdict failed: %v", err)
		}

		if got.Prediction != v.Prediction || got.FraudType != v.FraudType || got.Origin != v.Origin {
			t.Errorf("verdict mismatch: %+v", got)
		}
		if got.Vector == nil || *got.Vector != vector {
			t.Errorf("expected vector %v, got %v", vector, got.Vector)
		}
		if got.Metadata.TraceID != "trace-1" {
			t.Errorf("expected trace id trace-1, got %s", got.Metadata.TraceID)
		}
	})

	t.Run("RuleVerdictHasNoVector", func(t *testing.T) {
		v := &domain.Verdict{
			ID:              "verdict-002",
			CustomerID:      "CUST-1",
			Prediction:      domain.ClassAPP,
			FraudType:       "APP (Rule-Based)",
			ActualFraudType: "None",
			Origin:          domain.OriginRule,
			RuleID:          "rule-app-001",
			Timestamp:       time.Now().UTC(),
		}
		if err := repo.SaveVerdict(ctx, v); err != nil {
			t.Fatalf("SaveVerdict failed: %v", err)
		}

		got, err := repo.GetVerdict(ctx, v.ID)
		if err != nil {
			t.Fatalf("GetVerdict failed: %v", err)
		}
		if got.Vector != nil {
			t.Error("expected no vector on rule verdict")
		}
		if got.RuleID != "rule-app-001" {
			t.Errorf("expected rule id, got %q", got.RuleID)
		}
	})

	t.Run("VerdictNotFound", func(t *testing.T) {
		_, err := repo.GetVerdict(ctx, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestInMemorySQLite(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create in-memory repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	row := historyRow("MEM-1", time.Now().UTC(), "Rome", 0)
	if _, err := repo.SaveHistory(ctx, []*domain.HistoryRow{row}); err != nil {
		t.Fatalf("SaveHistory failed: %v", err)
	}
	if _, err := repo.LatestHistory(ctx, "MEM-1"); err != nil {
		t.Errorf("LatestHistory failed: %v", err)
	}
}

func TestSaveHistorySkipsExistingIDs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	first := historyRow("DUP-1", base, "Lagos", 0)
	first.ID = "tx-1"
	second := historyRow("DUP-1", base.Add(time.Hour), "Abuja", 1)
	second.ID = "tx-2"

	n, err := repo.SaveHistory(ctx, []*domain.HistoryRow{first, second})
	if err != nil {
		t.Fatalf("SaveHistory failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 inserted, got %d", n)
	}

	third := historyRow("DUP-1", base.Add(2*time.Hour), "Kano", 0)
	third.ID = "tx-3"
	n, err = repo.SaveHistory(ctx, []*domain.HistoryRow{first, second, third})
	if err != nil {
		t.Fatalf("re-import failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 inserted on re-import, got %d", n)
	}

	rec, err := repo.LatestHistory(ctx, "DUP-1")
	if err != nil {
		t.Fatalf("LatestHistory failed: %v", err)
	}
	if rec.Location != "Kano" {
		t.Errorf("expected newest row Kano, got %s", rec.Location)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	got := pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?")
	if got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("unexpected rebind: %s", got)
	}

	lite := &SQLRepository{driver: "sqlite"}
	if q := "SELECT ?"; lite.rebind(q) != q {
		t.Error("sqlite queries should not be rebound")
	}
}

func TestPostgresDSN(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		got := postgresDSN(domain.RepositoryConfig{})
		want := "host=localhost port=5432 dbname=kestrel sslmode=disable"
		if got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	})

	t.Run("QuotesPassword", func(t *testing.T) {
		got := postgresDSN(domain.RepositoryConfig{
			PostgresHost:     "db",
			PostgresUser:     "kestrel",
			PostgresPassword: "it's secret",
		})
		want := `host=db port=5432 dbname=kestrel sslmode=disable user=kestrel password='it\'s secret'`
		if got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	})
}

func TestSQLiteDSN(t *testing.T) {
	if got := sqliteDSN(MemoryPath); got != "file::memory:?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)" {
		t.Errorf("unexpected memory dsn: %s", got)
	}
	if got := sqliteDSN("/tmp/k.db"); got != "file:/tmp/k.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" {
		t.Errorf("unexpected file dsn: %s", got)
	}
}
