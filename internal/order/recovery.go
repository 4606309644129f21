package order

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const recoveryBatch = 50

// Recover resolves RUNNING sagas that have not moved for olderThan. Sagas
// that never captured a payment are compensated; paid sagas are driven
// forward to completion. It returns how many sagas reached a terminal state.
func (o *Orchestrator) Recover(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := o.log.ClaimStale(ctx, olderThan, recoveryBatch)
	if err != nil {
		return 0, err
	}

	resolved := 0
	var errs []error
	for i := range stale {
		exec := &stale[i]
		logger := o.logger.With().Str("order_id", exec.OrderID).Str("last_step", string(exec.LastStep)).Logger()

		if err := o.resume(ctx, logger, exec); err != nil {
			logger.Error().Err(err).Msg("recovery: saga still unresolved")
			errs = append(errs, err)
			continue
		}
		resolved++
	}

	return resolved, errors.Join(errs...)
}

func (o *Orchestrator) resume(ctx context.Context, logger zerolog.Logger, exec *SagaExecution) error {
	ctx, span := o.tracer.Start(ctx, "saga.Recover")
	defer span.End()

	steps, err := o.log.Steps(ctx, exec.OrderID)
	if err != nil {
		return err
	}

	if exec.Payload.PaymentID != "" {
		return o.resumeForward(ctx, logger, exec, steps)
	}

	if err := o.inventory.Release(ctx, exec.OrderID); err != nil {
		return err
	}
	o.record(ctx, logger, exec.OrderID, StepReleaseInventory, StepCompensated, "recovery")

	if hasStep(steps, StepChargePayment, StepStarted) && !hasStep(steps, StepChargePayment, StepFailed) {
		logger.Warn().Msg("recovery: payment outcome unknown, reservation released")
		o.finish(ctx, logger, exec.OrderID, SagaFailed, "payment outcome unknown")
		o.metrics.ObserveSaga("recovered_unknown_payment")
		return nil
	}

	logger.Info().Msg("recovery: saga compensated")
	o.finish(ctx, logger, exec.OrderID, SagaCompensated, "recovered before payment")
	o.metrics.ObserveSaga("recovered_compensated")
	return nil
}

func (o *Orchestrator) resumeForward(ctx context.Context, logger zerolog.Logger, exec *SagaExecution, steps []SagaStep) error {
	order := buildOrder(exec)

	inserted, err := InsertOrder(ctx, o.db, order)
	if err != nil {
		return err
	}
	if inserted {
		o.record(ctx, logger, exec.OrderID, StepPersistOrder, StepCompleted, "recovery")
	}

	if !hasStep(steps, StepClearCart, StepCompleted) {
		o.clearCart(ctx, logger, exec.OrderID, exec.UserID)
	}
	if !hasStep(steps, StepPublishEvent, StepCompleted) {
		o.publishPlaced(ctx, logger, order)
	}

	logger.Info().Bool("inserted", inserted).Msg("recovery: saga completed")
	o.finish(ctx, logger, exec.OrderID, SagaCompleted, "")
	o.metrics.ObserveSaga("recovered_completed")
	return nil
}

// RunRecovery calls Recover every interval until ctx is cancelled.
func (o *Orchestrator) RunRecovery(ctx context.Context, interval, olderThan time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := o.Recover(ctx, olderThan)
			if err != nil {
				o.logger.Warn().Err(err).Msg("recovery pass incomplete")
			}
			if n > 0 {
				o.logger.Info().Int("resolved", n).Msg("recovery pass")
			}
		}
	}
}
