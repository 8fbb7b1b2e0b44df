package postgres

import (
	"context"
	"errors"
	"os"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/domain/agent"
	"github.com/atellix/token-agent/internal/app/domain/subscription"
	"github.com/atellix/token-agent/internal/app/schedule"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "postgres"), nil), mock
}

func TestGetSubscriptionNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM subscriptions WHERE id = $1`)).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetSubscription(context.Background(), "7")
	if !errors.Is(err, agent.ErrInvalidAccount) {
		t.Fatalf("err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetSubscriptionRejectsNonNumericID(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.GetSubscription(context.Background(), "not-a-number")
	if !errors.Is(err, agent.ErrInvalidAccount) {
		t.Fatalf("err = %v", err)
	}
}

func TestListDueSubscriptions(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "user_key", "next_rebill", "period", "active"}).
		AddRow(int64(1), "user-a", int64(100), int16(2), true).
		AddRow(int64(2), "user-b", int64(150), int16(2), true)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM subscriptions WHERE active AND next_rebill <= $1 ORDER BY next_rebill`)).
		WithArgs(int64(200)).
		WillReturnRows(rows)

	due, err := store.ListDueSubscriptions(context.Background(), 200)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d", len(due))
	}
	if due[0].ID != "1" || due[0].Period != schedule.PeriodMonthly || due[0].UserKey != chain.Address("user-a") {
		t.Fatalf("row = %+v", due[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteSubscription(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM subscriptions WHERE id = $1`)).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.DeleteSubscription(context.Background(), "3"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM subscriptions WHERE id = $1`)).
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.DeleteSubscription(context.Background(), "4"); !errors.Is(err, agent.ErrInvalidAccount) {
		t.Fatalf("missing delete err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// TestIntegration runs the full CRUD surface against a real database when
// TEST_DATABASE_DSN is set.
func TestIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}

	store, err := Open(dsn, Options{}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	sub, err := store.CreateSubscription(ctx, subscription.Subscription{
		RecordType: subscription.RecordTypeSubscription,
		UserKey:    chain.AddressFromSeed("integration-user"),
		Period:     schedule.PeriodMonthly,
		NextRebill: 1706745600,
		Active:     true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer store.DeleteSubscription(ctx, sub.ID)

	sub.RebillEvents = 1
	if _, err := store.UpdateSubscription(ctx, sub); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RebillEvents != 1 {
		t.Fatalf("rebill events = %d", got.RebillEvents)
	}
}
