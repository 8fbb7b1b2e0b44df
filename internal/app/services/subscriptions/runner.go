package subscriptions

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/schedule"
	"github.com/atellix/token-agent/internal/app/storage"
	"github.com/atellix/token-agent/pkg/logger"
)

// Runner periodically scans for due subscriptions and submits rebills under
// the configured manager identity. Each rebill charges the full period
// budget; per-subscription failures are logged and do not stop the sweep.
type Runner struct {
	svc     *Service
	store   storage.SubscriptionStore
	clock   chain.Clock
	manager chain.Address
	spec    string
	cron    *cron.Cron
	log     *logger.Logger
}

// NewRunner creates a rebill runner. cronSpec follows standard cron syntax
// and defaults to a minutely sweep.
func NewRunner(svc *Service, store storage.SubscriptionStore, clock chain.Clock, manager chain.Address, cronSpec string, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault("rebill-runner")
	}
	if clock == nil {
		clock = chain.SystemClock{}
	}
	if cronSpec == "" {
		cronSpec = "* * * * *"
	}
	return &Runner{
		svc:     svc,
		store:   store,
		clock:   clock,
		manager: manager,
		spec:    cronSpec,
		log:     log,
	}
}

// Name implements system.Service.
func (r *Runner) Name() string { return "rebill-runner" }

// Start schedules the sweep.
func (r *Runner) Start(ctx context.Context) error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.spec, func() { r.Sweep(context.Background()) }); err != nil {
		return err
	}
	r.cron.Start()
	r.log.WithField("schedule", r.spec).Info("rebill runner started")
	return nil
}

// Stop halts the sweep and waits for an in-flight run to finish.
func (r *Runner) Stop(ctx context.Context) error {
	if r.cron == nil {
		return nil
	}
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	r.log.Info("rebill runner stopped")
	return nil
}

// Sweep processes every subscription whose rebill period has opened. It
// returns the number of successful rebills.
func (r *Runner) Sweep(ctx context.Context) int {
	now := r.clock.Now().Unix()
	due, err := r.store.ListDueSubscriptions(ctx, now)
	if err != nil {
		r.log.WithError(err).Error("due subscription scan failed")
		return 0
	}

	processed := 0
	for _, sub := range due {
		label, err := schedule.Label(sub.NextRebill, sub.Period)
		if err != nil {
			r.log.WithError(err).WithField("subscription", sub.ID).Warn("skipping unlabelable subscription")
			continue
		}
		next, err := schedule.Next(sub.NextRebill, sub.Period)
		if err != nil {
			r.log.WithError(err).WithField("subscription", sub.ID).Warn("skipping unalignable subscription")
			continue
		}
		if _, _, err := r.svc.Process(ctx, ProcessParams{
			SubscriptionID:  sub.ID,
			ManagerKey:      r.manager,
			RebillTimestamp: sub.NextRebill,
			RebillLabel:     label,
			NextRebill:      next,
			Amount:          sub.PeriodBudget,
			PaymentID:       sub.PaymentID,
		}); err != nil {
			r.log.WithError(err).WithField("subscription", sub.ID).Warn("rebill failed")
			continue
		}
		processed++
	}

	if processed > 0 {
		r.log.WithField("count", processed).Info("rebill sweep complete")
	}
	return processed
}
