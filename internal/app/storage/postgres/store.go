// Package postgres implements the storage interfaces on PostgreSQL. Schema
// migrations are embedded and applied on startup.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/domain/agent"
	"github.com/atellix/token-agent/internal/app/domain/allowance"
	"github.com/atellix/token-agent/internal/app/domain/event"
	"github.com/atellix/token-agent/internal/app/domain/subscription"
	"github.com/atellix/token-agent/internal/app/schedule"
	"github.com/atellix/token-agent/internal/app/storage"
	"github.com/atellix/token-agent/pkg/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is the PostgreSQL-backed store.
type Store struct {
	db  *sqlx.DB
	log *logger.Logger
}

var _ storage.SubscriptionStore = (*Store)(nil)
var _ storage.AllowanceStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)

// Options tune the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects, configures the pool and applies pending migrations.
func Open(dsn string, opts Options, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewDefault("postgres")
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	store := &Store{db: db, log: log}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an existing connection without running migrations, for
// tests against mocked drivers.
func NewWithDB(db *sqlx.DB, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewDefault("postgres")
	}
	return &Store{db: db, log: log}
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(s.db.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	s.log.Info("database migrations applied")
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Subscription rows -----------------------------------------------------------

type subscriptionRow struct {
	ID               int64     `db:"id"`
	RecordType       int16     `db:"record_type"`
	UserKey          string    `db:"user_key"`
	NetAuth          string    `db:"net_auth"`
	MerchantKey      string    `db:"merchant_key"`
	MerchantApproval string    `db:"merchant_approval"`
	MerchantToken    string    `db:"merchant_token"`
	MerchantNonce    int16     `db:"merchant_nonce"`
	ManagerKey       string    `db:"manager_key"`
	ManagerApproval  string    `db:"manager_approval"`
	TokenMint        string    `db:"token_mint"`
	TokenAccount     string    `db:"token_account"`
	SwapAccount      string    `db:"swap_account"`
	SwapInAccount    string    `db:"swap_in_account"`
	SwapOutAccount   string    `db:"swap_out_account"`
	SubscrID         int64     `db:"subscr_id"`
	PaymentID        int64     `db:"payment_id"`
	RebillEvents     int64     `db:"rebill_events"`
	RebillMax        int64     `db:"rebill_max"`
	NextRebill       int64     `db:"next_rebill"`
	NotValidBefore   int64     `db:"not_valid_before"`
	NotValidAfter    int64     `db:"not_valid_after"`
	MaxDelay         int64     `db:"max_delay"`
	Period           int16     `db:"period"`
	PeriodBudget     int64     `db:"period_budget"`
	UseTotal         bool      `db:"use_total"`
	TotalBudget      int64     `db:"total_budget"`
	Active           bool      `db:"active"`
	Swap             bool      `db:"swap"`
	SwapDirection    bool      `db:"swap_direction"`
	SwapMode         int16     `db:"swap_mode"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func toSubscriptionRow(sub subscription.Subscription) subscriptionRow {
	return subscriptionRow{
		RecordType:       int16(sub.RecordType),
		UserKey:          string(sub.UserKey),
		NetAuth:          string(sub.NetAuth),
		MerchantKey:      string(sub.MerchantKey),
		MerchantApproval: string(sub.MerchantApproval),
		MerchantToken:    string(sub.MerchantToken),
		MerchantNonce:    int16(sub.MerchantNonce),
		ManagerKey:       string(sub.ManagerKey),
		ManagerApproval:  string(sub.ManagerApproval),
		TokenMint:        string(sub.TokenMint),
		TokenAccount:     string(sub.TokenAccount),
		SwapAccount:      string(sub.SwapAccount),
		SwapInAccount:    string(sub.SwapInAccount),
		SwapOutAccount:   string(sub.SwapOutAccount),
		SubscrID:         int64(sub.SubscrID),
		PaymentID:        int64(sub.PaymentID),
		RebillEvents:     int64(sub.RebillEvents),
		RebillMax:        int64(sub.RebillMax),
		NextRebill:       sub.NextRebill,
		NotValidBefore:   sub.NotValidBefore,
		NotValidAfter:    sub.NotValidAfter,
		MaxDelay:         sub.MaxDelay,
		Period:           int16(sub.Period),
		PeriodBudget:     int64(sub.PeriodBudget),
		UseTotal:         sub.UseTotal,
		TotalBudget:      int64(sub.TotalBudget),
		Active:           sub.Active,
		Swap:             sub.Swap,
		SwapDirection:    sub.SwapDirection,
		SwapMode:         int16(sub.SwapMode),
	}
}

func (r subscriptionRow) toDomain() subscription.Subscription {
	return subscription.Subscription{
		ID:               strconv.FormatInt(r.ID, 10),
		RecordType:       subscription.RecordType(r.RecordType),
		UserKey:          chain.Address(r.UserKey),
		NetAuth:          chain.Address(r.NetAuth),
		MerchantKey:      chain.Address(r.MerchantKey),
		MerchantApproval: chain.Address(r.MerchantApproval),
		MerchantToken:    chain.Address(r.MerchantToken),
		MerchantNonce:    uint8(r.MerchantNonce),
		ManagerKey:       chain.Address(r.ManagerKey),
		ManagerApproval:  chain.Address(r.ManagerApproval),
		TokenMint:        chain.Address(r.TokenMint),
		TokenAccount:     chain.Address(r.TokenAccount),
		SwapAccount:      chain.Address(r.SwapAccount),
		SwapInAccount:    chain.Address(r.SwapInAccount),
		SwapOutAccount:   chain.Address(r.SwapOutAccount),
		SubscrID:         uint64(r.SubscrID),
		PaymentID:        uint64(r.PaymentID),
		RebillEvents:     uint32(r.RebillEvents),
		RebillMax:        uint32(r.RebillMax),
		NextRebill:       r.NextRebill,
		NotValidBefore:   r.NotValidBefore,
		NotValidAfter:    r.NotValidAfter,
		MaxDelay:         r.MaxDelay,
		Period:           schedule.Period(r.Period),
		PeriodBudget:     uint64(r.PeriodBudget),
		UseTotal:         r.UseTotal,
		TotalBudget:      uint64(r.TotalBudget),
		Active:           r.Active,
		Swap:             r.Swap,
		SwapDirection:    r.SwapDirection,
		SwapMode:         chain.SwapMode(r.SwapMode),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

const subscriptionColumns = `record_type, user_key, net_auth, merchant_key, merchant_approval,
	merchant_token, merchant_nonce, manager_key, manager_approval, token_mint, token_account,
	swap_account, swap_in_account, swap_out_account, subscr_id, payment_id, rebill_events,
	rebill_max, next_rebill, not_valid_before, not_valid_after, max_delay, period,
	period_budget, use_total, total_budget, active, swap, swap_direction, swap_mode`

const subscriptionBindings = `:record_type, :user_key, :net_auth, :merchant_key, :merchant_approval,
	:merchant_token, :merchant_nonce, :manager_key, :manager_approval, :token_mint, :token_account,
	:swap_account, :swap_in_account, :swap_out_account, :subscr_id, :payment_id, :rebill_events,
	:rebill_max, :next_rebill, :not_valid_before, :not_valid_after, :max_delay, :period,
	:period_budget, :use_total, :total_budget, :active, :swap, :swap_direction, :swap_mode`

func (s *Store) CreateSubscription(ctx context.Context, sub subscription.Subscription) (subscription.Subscription, error) {
	row := toSubscriptionRow(sub)
	query, args, err := s.db.BindNamed(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (`+subscriptionBindings+`)
		 RETURNING id, created_at, updated_at`, row)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&row.ID, &row.CreatedAt, &row.UpdatedAt); err != nil {
		return subscription.Subscription{}, fmt.Errorf("insert subscription: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) UpdateSubscription(ctx context.Context, sub subscription.Subscription) (subscription.Subscription, error) {
	id, err := strconv.ParseInt(sub.ID, 10, 64)
	if err != nil {
		return subscription.Subscription{}, agent.Errorf(agent.ErrInvalidAccount, "subscription %s not found", sub.ID)
	}
	row := toSubscriptionRow(sub)
	row.ID = id

	query, args, err := s.db.BindNamed(
		`UPDATE subscriptions SET
			record_type = :record_type, user_key = :user_key, net_auth = :net_auth,
			merchant_key = :merchant_key, merchant_approval = :merchant_approval,
			merchant_token = :merchant_token, merchant_nonce = :merchant_nonce,
			manager_key = :manager_key, manager_approval = :manager_approval,
			token_mint = :token_mint, token_account = :token_account,
			swap_account = :swap_account, swap_in_account = :swap_in_account,
			swap_out_account = :swap_out_account, subscr_id = :subscr_id,
			payment_id = :payment_id, rebill_events = :rebill_events,
			rebill_max = :rebill_max, next_rebill = :next_rebill,
			not_valid_before = :not_valid_before, not_valid_after = :not_valid_after,
			max_delay = :max_delay, period = :period, period_budget = :period_budget,
			use_total = :use_total, total_budget = :total_budget, active = :active,
			swap = :swap, swap_direction = :swap_direction, swap_mode = :swap_mode,
			updated_at = NOW()
		 WHERE id = :id
		 RETURNING created_at, updated_at`, row)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&row.CreatedAt, &row.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return subscription.Subscription{}, agent.Errorf(agent.ErrInvalidAccount, "subscription %s not found", sub.ID)
		}
		return subscription.Subscription{}, fmt.Errorf("update subscription: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (subscription.Subscription, error) {
	numeric, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return subscription.Subscription{}, agent.Errorf(agent.ErrInvalidAccount, "subscription %s not found", id)
	}
	var row subscriptionRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM subscriptions WHERE id = $1`, numeric); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return subscription.Subscription{}, agent.Errorf(agent.ErrInvalidAccount, "subscription %s not found", id)
		}
		return subscription.Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListSubscriptions(ctx context.Context, user chain.Address) ([]subscription.Subscription, error) {
	var rows []subscriptionRow
	var err error
	if user.IsZero() {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM subscriptions ORDER BY id`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM subscriptions WHERE user_key = $1 ORDER BY id`, string(user))
	}
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	result := make([]subscription.Subscription, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func (s *Store) ListDueSubscriptions(ctx context.Context, now int64) ([]subscription.Subscription, error) {
	var rows []subscriptionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM subscriptions WHERE active AND next_rebill <= $1 ORDER BY next_rebill`, now)
	if err != nil {
		return nil, fmt.Errorf("list due subscriptions: %w", err)
	}
	result := make([]subscription.Subscription, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	numeric, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return agent.Errorf(agent.ErrInvalidAccount, "subscription %s not found", id)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, numeric)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return agent.Errorf(agent.ErrInvalidAccount, "subscription %s not found", id)
	}
	return nil
}

// Allowance rows --------------------------------------------------------------

type allowanceRow struct {
	Address        string    `db:"address"`
	Nonce          int16     `db:"nonce"`
	UserKey        string    `db:"user_key"`
	DelegateKey    string    `db:"delegate_key"`
	RecipientKey   string    `db:"recipient_key"`
	TokenMint      string    `db:"token_mint"`
	TokenAccount   string    `db:"token_account"`
	NotValidBefore int64     `db:"not_valid_before"`
	NotValidAfter  int64     `db:"not_valid_after"`
	Amount         int64     `db:"amount"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func toAllowanceRow(alw allowance.Allowance) allowanceRow {
	return allowanceRow{
		Address:        string(alw.Address),
		Nonce:          int16(alw.Nonce),
		UserKey:        string(alw.UserKey),
		DelegateKey:    string(alw.DelegateKey),
		RecipientKey:   string(alw.RecipientKey),
		TokenMint:      string(alw.TokenMint),
		TokenAccount:   string(alw.TokenAccount),
		NotValidBefore: alw.NotValidBefore,
		NotValidAfter:  alw.NotValidAfter,
		Amount:         int64(alw.Amount),
	}
}

func (r allowanceRow) toDomain() allowance.Allowance {
	return allowance.Allowance{
		Address:        chain.Address(r.Address),
		Nonce:          uint8(r.Nonce),
		UserKey:        chain.Address(r.UserKey),
		DelegateKey:    chain.Address(r.DelegateKey),
		RecipientKey:   chain.Address(r.RecipientKey),
		TokenMint:      chain.Address(r.TokenMint),
		TokenAccount:   chain.Address(r.TokenAccount),
		NotValidBefore: r.NotValidBefore,
		NotValidAfter:  r.NotValidAfter,
		Amount:         uint64(r.Amount),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (s *Store) CreateAllowance(ctx context.Context, alw allowance.Allowance) (allowance.Allowance, error) {
	row := toAllowanceRow(alw)
	query, args, err := s.db.BindNamed(
		`INSERT INTO allowances (address, nonce, user_key, delegate_key, recipient_key,
			token_mint, token_account, not_valid_before, not_valid_after, amount)
		 VALUES (:address, :nonce, :user_key, :delegate_key, :recipient_key,
			:token_mint, :token_account, :not_valid_before, :not_valid_after, :amount)
		 RETURNING created_at, updated_at`, row)
	if err != nil {
		return allowance.Allowance{}, err
	}
	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&row.CreatedAt, &row.UpdatedAt); err != nil {
		return allowance.Allowance{}, fmt.Errorf("insert allowance: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) UpdateAllowance(ctx context.Context, alw allowance.Allowance) (allowance.Allowance, error) {
	row := toAllowanceRow(alw)
	query, args, err := s.db.BindNamed(
		`UPDATE allowances SET
			not_valid_before = :not_valid_before, not_valid_after = :not_valid_after,
			amount = :amount, updated_at = NOW()
		 WHERE address = :address
		 RETURNING created_at, updated_at`, row)
	if err != nil {
		return allowance.Allowance{}, err
	}
	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&row.CreatedAt, &row.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return allowance.Allowance{}, agent.Errorf(agent.ErrInvalidAccount, "allowance %s not found", alw.Address)
		}
		return allowance.Allowance{}, fmt.Errorf("update allowance: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetAllowance(ctx context.Context, addr chain.Address) (allowance.Allowance, error) {
	var row allowanceRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM allowances WHERE address = $1`, string(addr)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return allowance.Allowance{}, agent.Errorf(agent.ErrInvalidAccount, "allowance %s not found", addr)
		}
		return allowance.Allowance{}, fmt.Errorf("get allowance: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListAllowances(ctx context.Context, user chain.Address) ([]allowance.Allowance, error) {
	var rows []allowanceRow
	var err error
	if user.IsZero() {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM allowances ORDER BY address`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM allowances WHERE user_key = $1 ORDER BY address`, string(user))
	}
	if err != nil {
		return nil, fmt.Errorf("list allowances: %w", err)
	}
	result := make([]allowance.Allowance, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

// Event rows ------------------------------------------------------------------

type eventRow struct {
	EventUUID   string    `db:"event_uuid"`
	EventType   int16     `db:"event_type"`
	Subject     string    `db:"subject"`
	UserKey     string    `db:"user_key"`
	MerchantKey string    `db:"merchant_key"`
	PaymentID   int64     `db:"payment_id"`
	RebillEvent int64     `db:"rebill_event"`
	Amount      int64     `db:"amount"`
	Fee         int64     `db:"fee"`
	NextRebill  int64     `db:"next_rebill"`
	Swap        bool      `db:"swap"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r eventRow) toDomain() event.Record {
	return event.Record{
		EventUUID:   r.EventUUID,
		Type:        event.Type(r.EventType),
		Subject:     r.Subject,
		UserKey:     chain.Address(r.UserKey),
		MerchantKey: chain.Address(r.MerchantKey),
		PaymentID:   uint64(r.PaymentID),
		RebillEvent: uint32(r.RebillEvent),
		Amount:      uint64(r.Amount),
		Fee:         uint64(r.Fee),
		NextRebill:  r.NextRebill,
		Swap:        r.Swap,
		CreatedAt:   r.CreatedAt,
	}
}

func (s *Store) AppendEvent(ctx context.Context, rec event.Record) (event.Record, error) {
	row := eventRow{
		EventUUID:   rec.EventUUID,
		EventType:   int16(rec.Type),
		Subject:     rec.Subject,
		UserKey:     string(rec.UserKey),
		MerchantKey: string(rec.MerchantKey),
		PaymentID:   int64(rec.PaymentID),
		RebillEvent: int64(rec.RebillEvent),
		Amount:      int64(rec.Amount),
		Fee:         int64(rec.Fee),
		NextRebill:  rec.NextRebill,
		Swap:        rec.Swap,
	}
	query, args, err := s.db.BindNamed(
		`INSERT INTO events (event_uuid, event_type, subject, user_key, merchant_key,
			payment_id, rebill_event, amount, fee, next_rebill, swap)
		 VALUES (:event_uuid, :event_type, :subject, :user_key, :merchant_key,
			:payment_id, :rebill_event, :amount, :fee, :next_rebill, :swap)
		 RETURNING created_at`, row)
	if err != nil {
		return event.Record{}, err
	}
	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&row.CreatedAt); err != nil {
		return event.Record{}, fmt.Errorf("insert event: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListEvents(ctx context.Context, subject string) ([]event.Record, error) {
	var rows []eventRow
	var err error
	if subject == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM events ORDER BY created_at`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM events WHERE subject = $1 ORDER BY created_at`, subject)
	}
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	result := make([]event.Record, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}
