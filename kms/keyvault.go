package kms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/ledger-key-custody/interfaces"
	"github.com/ruteri/ledger-key-custody/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultProbeTimeout = 2 * time.Second
	DefaultCallTimeout  = 10 * time.Second
)

var errTimedOut = errors.New("provider call timed out")

// KeyVaultFactory selects among registered providers by declared cost and
// observed health, and falls back across providers on encryption failure.
type KeyVaultFactory struct {
	mu        sync.RWMutex
	providers []interfaces.KeyVaultProvider
	byName    map[string]interfaces.KeyVaultProvider

	probeTimeout time.Duration
	callTimeout  time.Duration
	log          *slog.Logger
}

// NewKeyVaultFactory creates a factory. Zero timeouts select the defaults.
func NewKeyVaultFactory(log *slog.Logger, probeTimeout, callTimeout time.Duration) *KeyVaultFactory {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &KeyVaultFactory{
		byName:       make(map[string]interfaces.KeyVaultProvider),
		probeTimeout: probeTimeout,
		callTimeout:  callTimeout,
		log:          log,
	}
}

// Register adds a provider. Provider names must be unique.
func (f *KeyVaultFactory) Register(p interfaces.KeyVaultProvider) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.byName[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	f.providers = append(f.providers, p)
	f.byName[p.Name()] = p

	f.log.Info("Registered key vault provider",
		slog.String("provider", p.Name()),
		slog.Float64("monthly_cost", p.MonthlyCost()))
	return nil
}

// Providers returns the registered providers in registration order.
func (f *KeyVaultFactory) Providers() []interfaces.KeyVaultProvider {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]interfaces.KeyVaultProvider(nil), f.providers...)
}

// Provider returns the provider with the given name.
func (f *KeyVaultFactory) Provider(name string) (interfaces.KeyVaultProvider, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrProviderNotFound, name)
	}
	return p, nil
}

// GetOptimalProvider returns the provider with the lowest declared monthly
// cost, regardless of health. Ties are broken by name.
func (f *KeyVaultFactory) GetOptimalProvider() (interfaces.KeyVaultProvider, error) {
	providers := f.Providers()
	if len(providers) == 0 {
		return nil, interfaces.ErrNoProviders
	}

	best := providers[0]
	for _, p := range providers[1:] {
		if p.MonthlyCost() < best.MonthlyCost() ||
			(p.MonthlyCost() == best.MonthlyCost() && p.Name() < best.Name()) {
			best = p
		}
	}
	return best, nil
}

// GetHealthiestProvider probes every provider concurrently and returns the
// healthy one with the lowest response time. If no provider is healthy it
// returns the cost-optimal provider and logs a degraded-mode warning.
func (f *KeyVaultFactory) GetHealthiestProvider(ctx context.Context) (interfaces.KeyVaultProvider, error) {
	statuses := f.ProbeAll(ctx)
	if len(statuses) == 0 {
		return nil, interfaces.ErrNoProviders
	}

	var best *interfaces.ProviderHealth
	for i := range statuses {
		s := &statuses[i]
		if s.Healthy && (best == nil || s.ResponseTime < best.ResponseTime) {
			best = s
		}
	}

	if best == nil {
		optimal, err := f.GetOptimalProvider()
		if err != nil {
			return nil, err
		}
		f.log.Warn("No healthy key vault provider, running in degraded mode",
			slog.String("fallback_provider", optimal.Name()),
			slog.Int("providers", len(statuses)))
		return optimal, nil
	}

	return f.Provider(best.Provider)
}

// ProbeAll probes every registered provider concurrently. Each probe is
// bounded by the probe timeout; a probe that errors, panics or times out is
// reported unhealthy without affecting the others. Results follow
// registration order.
func (f *KeyVaultFactory) ProbeAll(ctx context.Context) []interfaces.ProviderHealth {
	providers := f.Providers()
	statuses := make([]interfaces.ProviderHealth, len(providers))

	var g errgroup.Group
	for i, p := range providers {
		g.Go(func() error {
			statuses[i] = f.probe(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	return statuses
}

func (f *KeyVaultFactory) probe(ctx context.Context, p interfaces.KeyVaultProvider) interfaces.ProviderHealth {
	start := time.Now()
	health, err := callWithTimeout(ctx, f.probeTimeout, func(ctx context.Context) (interfaces.ProviderHealth, error) {
		return p.Health(ctx), nil
	})
	if err != nil {
		health = interfaces.ProviderHealth{
			ResponseTime: time.Since(start),
			Error:        err.Error(),
		}
	}
	health.Provider = p.Name()
	if health.CheckedAt.IsZero() {
		health.CheckedAt = time.Now()
	}

	healthy := 0.0
	if health.Healthy {
		healthy = 1
	} else {
		f.log.Warn("Key vault provider unhealthy",
			slog.String("provider", p.Name()),
			slog.String("error", health.Error),
			slog.Duration("response_time", health.ResponseTime))
	}
	metrics.VaultProviderHealthy.WithLabelValues(p.Name()).Set(healthy)
	metrics.VaultProbeDuration.WithLabelValues(p.Name()).Observe(health.ResponseTime.Seconds())

	return health
}

// Encrypt seals plaintext with the cost-optimal provider. On failure it
// falls back to the remaining providers, healthy ones first and faster ones
// before slower ones. Each attempt is bounded by the call timeout. The
// returned sealed key names the provider that actually protected it.
func (f *KeyVaultFactory) Encrypt(ctx context.Context, plaintext []byte, ec interfaces.EncryptionContext) (interfaces.SealedKey, error) {
	optimal, err := f.GetOptimalProvider()
	if err != nil {
		return interfaces.SealedKey{}, err
	}

	sealed, err := f.encryptWith(ctx, optimal, plaintext, ec)
	if err == nil {
		return sealed, nil
	}

	errs := []error{fmt.Errorf("%s: %w", optimal.Name(), err)}
	f.log.Warn("Optimal provider failed to encrypt, falling back",
		slog.String("provider", optimal.Name()),
		slog.String("account_id", ec.AccountID),
		slog.String("algorithm", ec.Algorithm.String()),
		"err", err)

	for _, p := range f.fallbackOrder(ctx, optimal.Name()) {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		sealed, err := f.encryptWith(ctx, p, plaintext, ec)
		if err == nil {
			f.log.Info("Fallback provider sealed key",
				slog.String("provider", p.Name()),
				slog.String("account_id", ec.AccountID),
				slog.String("algorithm", ec.Algorithm.String()))
			return sealed, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}

	return interfaces.SealedKey{}, fmt.Errorf("%w: %w", interfaces.ErrAllProvidersFailed, errors.Join(errs...))
}

func (f *KeyVaultFactory) encryptWith(ctx context.Context, p interfaces.KeyVaultProvider, plaintext []byte, ec interfaces.EncryptionContext) (interfaces.SealedKey, error) {
	ec.Provider = p.Name()
	sealed, err := callWithTimeout(ctx, f.callTimeout, func(ctx context.Context) (interfaces.SealedKey, error) {
		return p.Encrypt(ctx, plaintext, ec)
	})
	if err != nil {
		metrics.VaultOperationsTotal.WithLabelValues(p.Name(), "encrypt", "error").Inc()
		return interfaces.SealedKey{}, err
	}
	metrics.VaultOperationsTotal.WithLabelValues(p.Name(), "encrypt", "ok").Inc()

	sealed.Provider = p.Name()
	return sealed, nil
}

// fallbackOrder returns every provider except the excluded one, healthy
// before unhealthy, then by response time.
func (f *KeyVaultFactory) fallbackOrder(ctx context.Context, exclude string) []interfaces.KeyVaultProvider {
	statuses := f.ProbeAll(ctx)
	sort.SliceStable(statuses, func(i, j int) bool {
		if statuses[i].Healthy != statuses[j].Healthy {
			return statuses[i].Healthy
		}
		return statuses[i].ResponseTime < statuses[j].ResponseTime
	})

	ordered := make([]interfaces.KeyVaultProvider, 0, len(statuses))
	for _, s := range statuses {
		if s.Provider == exclude {
			continue
		}
		if p, err := f.Provider(s.Provider); err == nil {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

// Decrypt routes to the provider that sealed the key.
func (f *KeyVaultFactory) Decrypt(ctx context.Context, sealed interfaces.SealedKey, ec interfaces.EncryptionContext) ([]byte, error) {
	p, err := f.Provider(sealed.Provider)
	if err != nil {
		return nil, err
	}

	ec.Provider = p.Name()
	plaintext, err := callWithTimeout(ctx, f.callTimeout, func(ctx context.Context) ([]byte, error) {
		return p.Decrypt(ctx, sealed, ec)
	})
	if err != nil {
		metrics.VaultOperationsTotal.WithLabelValues(p.Name(), "decrypt", "error").Inc()
		return nil, err
	}
	metrics.VaultOperationsTotal.WithLabelValues(p.Name(), "decrypt", "ok").Inc()
	return plaintext, nil
}

// CostAnalysis compares declared provider costs. Savings are those of the
// optimal provider against the most expensive one.
func (f *KeyVaultFactory) CostAnalysis() interfaces.CostAnalysis {
	providers := f.Providers()
	analysis := interfaces.CostAnalysis{Providers: make([]interfaces.ProviderCost, 0, len(providers))}
	if len(providers) == 0 {
		return analysis
	}

	maxCost := math.Inf(-1)
	for _, p := range providers {
		analysis.Providers = append(analysis.Providers, interfaces.ProviderCost{Provider: p.Name(), MonthlyCost: p.MonthlyCost()})
		maxCost = math.Max(maxCost, p.MonthlyCost())
	}
	sort.SliceStable(analysis.Providers, func(i, j int) bool {
		return analysis.Providers[i].MonthlyCost < analysis.Providers[j].MonthlyCost
	})

	optimal, _ := f.GetOptimalProvider()
	analysis.Optimal = optimal.Name()
	analysis.MonthlySavings = maxCost - optimal.MonthlyCost()

	f.log.Info("Key vault cost analysis",
		slog.String("optimal", analysis.Optimal),
		slog.Float64("monthly_savings", analysis.MonthlySavings),
		slog.Int("providers", len(providers)))

	return analysis
}

// ValidationReport describes configuration sanity.
type ValidationReport struct {
	Valid            bool                        `json:"valid"`
	MissingRequired  []string                    `json:"missing_required,omitempty"`
	CostModelValid   bool                        `json:"cost_model_valid"`
	CostModelProblem string                      `json:"cost_model_problem,omitempty"`
	HealthyProviders int                         `json:"healthy_providers"`
	Health           []interfaces.ProviderHealth `json:"health"`
}

// Validate checks that every required provider is registered, that the cost
// model is non-degenerate and that at least one provider is healthy. It is
// meant for startup and operational checks, not the request path.
func (f *KeyVaultFactory) Validate(ctx context.Context, required []string) ValidationReport {
	report := ValidationReport{CostModelValid: true}

	for _, name := range required {
		if _, err := f.Provider(name); err != nil {
			report.MissingRequired = append(report.MissingRequired, name)
		}
	}

	providers := f.Providers()
	if len(providers) == 0 {
		report.CostModelValid = false
		report.CostModelProblem = "no providers registered"
	}
	for _, p := range providers {
		cost := p.MonthlyCost()
		if math.IsNaN(cost) || math.IsInf(cost, 0) || cost <= 0 {
			report.CostModelValid = false
			report.CostModelProblem = fmt.Sprintf("provider %s declares invalid cost %v", p.Name(), cost)
			break
		}
	}

	report.Health = f.ProbeAll(ctx)
	for _, h := range report.Health {
		if h.Healthy {
			report.HealthyProviders++
		}
	}

	report.Valid = len(report.MissingRequired) == 0 && report.CostModelValid && report.HealthyProviders > 0
	if !report.Valid {
		f.log.Warn("Key vault configuration validation failed",
			slog.Any("missing_required", report.MissingRequired),
			slog.String("cost_model_problem", report.CostModelProblem),
			slog.Int("healthy_providers", report.HealthyProviders))
	}
	return report
}

// callWithTimeout runs fn with a deadline and returns as soon as the
// deadline passes, even if fn ignores its context. Panics in fn are
// converted to errors.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- result{zero, fmt.Errorf("provider panicked: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, errTimedOut
		}
		return zero, ctx.Err()
	}
}
