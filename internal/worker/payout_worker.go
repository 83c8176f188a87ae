// Package worker runs the background payout dispatcher.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketplace-escrow/internal/core/ports"
	"marketplace-escrow/internal/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config controls the dispatcher pool.
type Config struct {
	Workers       int
	RatePerSecond float64
	Burst         int
	SweepInterval time.Duration
	StaleAfter    time.Duration
	JobTimeout    time.Duration
	PollWait      time.Duration
}

// gatewayCallsPerJob is the worst case for one payout: contact, fund account
// and payout creation, each bounded by the gateway timeout.
const gatewayCallsPerJob = 3

// JobTimeoutFor sizes the per-job deadline from the per-call gateway timeout,
// with headroom for the database work around the calls.
func JobTimeoutFor(gatewayTimeout time.Duration) time.Duration {
	if gatewayTimeout <= 0 {
		return 0
	}
	return gatewayCallsPerJob*gatewayTimeout + 5*time.Second
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.PollWait <= 0 {
		c.PollWait = 2 * time.Second
	}
	return c
}

// PayoutWorker drains the payout queue and submits payouts to the gateway.
// Gateway calls from all workers share one rate limiter.
type PayoutWorker struct {
	payouts ports.PayoutService
	queue   ports.PayoutQueue
	limiter *rate.Limiter
	cfg     Config
	log     zerolog.Logger
	wg      sync.WaitGroup
}

// NewPayoutWorker creates a payout dispatcher.
func NewPayoutWorker(payouts ports.PayoutService, queue ports.PayoutQueue, cfg Config, log zerolog.Logger) *PayoutWorker {
	cfg = cfg.withDefaults()
	return &PayoutWorker{
		payouts: payouts,
		queue:   queue,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cfg:     cfg,
		log:     log.With().Str("component", "payout_worker").Logger(),
	}
}

// Start recovers jobs left in flight by a previous process, then launches the
// workers and the stale-payout sweeper. They stop when ctx is cancelled.
func (w *PayoutWorker) Start(ctx context.Context) {
	if n, err := w.queue.RequeueInFlight(ctx); err != nil {
		w.log.Warn().Err(err).Msg("failed to requeue in-flight payout jobs")
	} else if n > 0 {
		w.log.Info().Int64("count", n).Msg("requeued in-flight payout jobs")
	}

	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}

	w.wg.Add(1)
	go w.sweepLoop(ctx)

	w.log.Info().Int("workers", w.cfg.Workers).Float64("rate_per_second", w.cfg.RatePerSecond).Msg("payout workers started")
}

// Wait blocks until every goroutine started by Start has returned.
func (w *PayoutWorker) Wait() {
	w.wg.Wait()
}

func (w *PayoutWorker) run(ctx context.Context, id int) {
	defer w.wg.Done()
	log := w.log.With().Int("worker", id).Logger()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.Dequeue(ctx, w.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("dequeue failed")
			sleep(ctx, w.cfg.PollWait)
			continue
		}
		if job == nil {
			continue
		}

		if err := w.limiter.Wait(ctx); err != nil {
			// Shutting down; the job stays in flight and is requeued on next start.
			return
		}

		w.handle(ctx, job, log)
	}
}

// handle processes one job and always acks it. Payouts that need another
// attempt are still QUEUED or PENDING and the sweeper re-enqueues them.
func (w *PayoutWorker) handle(ctx context.Context, job *ports.PayoutJob, log zerolog.Logger) {
	result := "processed"
	err := w.process(ctx, job)
	if err != nil {
		result = "error"
		log.Error().Err(err).Str("payout_id", job.PayoutID.String()).Msg("payout job failed")
	}
	metrics.PayoutJobsTotal.WithLabelValues(result).Inc()

	if err := w.queue.Ack(context.WithoutCancel(ctx), job); err != nil {
		log.Warn().Err(err).Str("payout_id", job.PayoutID.String()).Msg("failed to ack payout job")
	}
}

func (w *PayoutWorker) process(ctx context.Context, job *ports.PayoutJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing payout: %v", r)
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()
	return w.payouts.ProcessPayout(jobCtx, job.PayoutID)
}

func (w *PayoutWorker) sweepLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *PayoutWorker) sweep(ctx context.Context) {
	n, err := w.payouts.SweepStalePayouts(ctx, w.cfg.StaleAfter)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.log.Warn().Err(err).Msg("stale payout sweep failed")
		}
		return
	}
	if n > 0 {
		w.log.Info().Int("count", n).Msg("re-enqueued stale payouts")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
