package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"callbridge/internal/domain"
	"callbridge/internal/infra/metrics"
	"callbridge/internal/infra/tracer"
)

// DefaultPreflightTimeout bounds each provider check.
const DefaultPreflightTimeout = 8 * time.Second

// Gate runs the telephony, transcription and synthesis readiness checks
// in parallel. The first failure cancels the others.
type Gate struct {
	telephony   domain.Telephony
	transcriber domain.Transcriber
	synthesizer domain.Synthesizer
	timeout     time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewGate creates a preflight gate. A zero timeout uses DefaultPreflightTimeout.
func NewGate(t domain.Telephony, tr domain.Transcriber, sy domain.Synthesizer, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Gate {
	if timeout <= 0 {
		timeout = DefaultPreflightTimeout
	}
	return &Gate{
		telephony:   t,
		transcriber: tr,
		synthesizer: sy,
		timeout:     timeout,
		metrics:     m,
		logger:      logger.With("component", "preflight"),
	}
}

// Check returns nil only when all three providers are ready for a call
// whose conversation is seeded with text. Otherwise it returns a
// *domain.PreflightError naming the first provider that refused.
func (g *Gate) Check(ctx context.Context, text string) error {
	eg, egCtx := errgroup.WithContext(ctx)
	g.run(eg, egCtx, g.telephony.Name(), g.telephony.Preflight)
	g.run(eg, egCtx, g.transcriber.Name(), g.transcriber.Preflight)
	g.run(eg, egCtx, g.synthesizer.Name(), func(ctx context.Context) error {
		return g.synthesizer.Preflight(ctx, text)
	})
	return eg.Wait()
}

func (g *Gate) run(eg *errgroup.Group, ctx context.Context, provider string, check func(context.Context) error) {
	eg.Go(func() error {
		checkCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		start := time.Now()
		err := tracer.Run(checkCtx, "preflight."+provider, check, tracer.ProviderAttr(provider))
		if err != nil && ctx.Err() != nil && errors.Is(checkCtx.Err(), context.Canceled) {
			// Another check already failed; this one was cut short.
			return err
		}
		g.metrics.ObservePreflight(provider, time.Since(start), err)
		if err == nil {
			return nil
		}

		reason := failureReason(err)
		if errors.Is(checkCtx.Err(), context.DeadlineExceeded) {
			reason = fmt.Sprintf("no answer within %s", g.timeout)
			err = fmt.Errorf("%w: %w", domain.ErrTimeout, err)
		}
		g.logger.Warn("preflight check failed", "provider", provider, "reason", reason, "error", err)
		return domain.NewPreflightError(provider, reason, err)
	})
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return "credentials rejected"
	case errors.Is(err, domain.ErrLimitReached):
		return "usage budget exceeded"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	default:
		return "provider not ready"
	}
}
