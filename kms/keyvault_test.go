package kms

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ruteri/ledger-key-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider is a configurable provider for selection tests.
type fakeProvider struct {
	name       string
	cost       float64
	healthy    bool
	latency    time.Duration
	block      chan struct{} // when set, Health blocks until closed and ignores ctx
	panics     bool
	encryptErr error
	encrypts   atomic.Int32
}

func (p *fakeProvider) Name() string         { return p.name }
func (p *fakeProvider) MonthlyCost() float64 { return p.cost }

func (p *fakeProvider) Encrypt(ctx context.Context, plaintext []byte, ec interfaces.EncryptionContext) (interfaces.SealedKey, error) {
	p.encrypts.Add(1)
	if p.encryptErr != nil {
		return interfaces.SealedKey{}, p.encryptErr
	}
	return interfaces.SealedKey{Provider: p.name, KeyRef: ec.Provider, Ciphertext: append([]byte("sealed:"), plaintext...)}, nil
}

func (p *fakeProvider) Decrypt(ctx context.Context, sealed interfaces.SealedKey, ec interfaces.EncryptionContext) ([]byte, error) {
	return sealed.Ciphertext[len("sealed:"):], nil
}

func (p *fakeProvider) Health(ctx context.Context) interfaces.ProviderHealth {
	if p.panics {
		panic("probe exploded")
	}
	if p.block != nil {
		<-p.block
	}
	return interfaces.ProviderHealth{Provider: p.name, Healthy: p.healthy, ResponseTime: p.latency, CheckedAt: time.Now()}
}

func newTestFactory(t *testing.T, providers ...interfaces.KeyVaultProvider) *KeyVaultFactory {
	f := NewKeyVaultFactory(testLogger(), 100*time.Millisecond, time.Second)
	for _, p := range providers {
		require.NoError(t, f.Register(p))
	}
	return f
}

func TestKeyVaultFactory_Register(t *testing.T) {
	f := newTestFactory(t, &fakeProvider{name: "a", cost: 1})
	err := f.Register(&fakeProvider{name: "a", cost: 2})
	assert.Error(t, err, "Should reject duplicate provider names")
}

func TestKeyVaultFactory_GetOptimalProvider(t *testing.T) {
	t.Run("lowest cost regardless of health", func(t *testing.T) {
		f := newTestFactory(t,
			&fakeProvider{name: "aws", cost: 12, healthy: true},
			&fakeProvider{name: "local", cost: 1, healthy: false},
			&fakeProvider{name: "vault", cost: 5, healthy: true},
		)
		p, err := f.GetOptimalProvider()
		require.NoError(t, err)
		assert.Equal(t, "local", p.Name())
	})

	t.Run("ties broken by name", func(t *testing.T) {
		f := newTestFactory(t,
			&fakeProvider{name: "b", cost: 3},
			&fakeProvider{name: "a", cost: 3},
		)
		p, err := f.GetOptimalProvider()
		require.NoError(t, err)
		assert.Equal(t, "a", p.Name())
	})

	t.Run("no providers", func(t *testing.T) {
		f := newTestFactory(t)
		_, err := f.GetOptimalProvider()
		assert.ErrorIs(t, err, interfaces.ErrNoProviders)
	})
}

func TestKeyVaultFactory_GetHealthiestProvider(t *testing.T) {
	t.Run("fastest healthy provider", func(t *testing.T) {
		f := newTestFactory(t,
			&fakeProvider{name: "local", cost: 1, healthy: false, latency: time.Millisecond},
			&fakeProvider{name: "vault", cost: 5, healthy: true, latency: 30 * time.Millisecond},
			&fakeProvider{name: "aws", cost: 12, healthy: true, latency: 10 * time.Millisecond},
		)
		p, err := f.GetHealthiestProvider(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "aws", p.Name())
	})

	t.Run("all unhealthy falls back to optimal", func(t *testing.T) {
		f := newTestFactory(t,
			&fakeProvider{name: "vault", cost: 5},
			&fakeProvider{name: "local", cost: 1},
		)
		p, err := f.GetHealthiestProvider(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "local", p.Name())
	})

	t.Run("wedged and panicking probes do not block the others", func(t *testing.T) {
		block := make(chan struct{})
		t.Cleanup(func() { close(block) })

		f := newTestFactory(t,
			&fakeProvider{name: "wedged", cost: 1, healthy: true, block: block},
			&fakeProvider{name: "panics", cost: 2, panics: true},
			&fakeProvider{name: "ok", cost: 9, healthy: true, latency: 50 * time.Millisecond},
		)

		start := time.Now()
		p, err := f.GetHealthiestProvider(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ok", p.Name())
		assert.Less(t, time.Since(start), time.Second)

		statuses := f.ProbeAll(context.Background())
		require.Len(t, statuses, 3)
		assert.False(t, statuses[0].Healthy)
		assert.NotEmpty(t, statuses[0].Error)
		assert.False(t, statuses[1].Healthy)
		assert.Contains(t, statuses[1].Error, "panicked")
		assert.True(t, statuses[2].Healthy)
	})
}

func TestKeyVaultFactory_Encrypt(t *testing.T) {
	ec := interfaces.EncryptionContext{AccountID: "acct", Algorithm: interfaces.EC256, Address: "0xabc"}

	t.Run("fast path uses optimal provider", func(t *testing.T) {
		local := &fakeProvider{name: "local", cost: 1, healthy: true}
		aws := &fakeProvider{name: "aws", cost: 10, healthy: true}
		f := newTestFactory(t, aws, local)

		sealed, err := f.Encrypt(context.Background(), []byte("secret"), ec)
		require.NoError(t, err)
		assert.Equal(t, "local", sealed.Provider)
		assert.Equal(t, "local", sealed.KeyRef, "provider tag should be set on the context")
		assert.Equal(t, int32(0), aws.encrypts.Load())

		plaintext, err := f.Decrypt(context.Background(), sealed, ec)
		require.NoError(t, err)
		assert.Equal(t, []byte("secret"), plaintext)
	})

	t.Run("falls back to healthiest on failure", func(t *testing.T) {
		f := newTestFactory(t,
			&fakeProvider{name: "local", cost: 1, healthy: true, encryptErr: errors.New("disk on fire")},
			&fakeProvider{name: "slow", cost: 5, healthy: true, latency: 40 * time.Millisecond},
			&fakeProvider{name: "sick", cost: 2, healthy: false, encryptErr: errors.New("down")},
			&fakeProvider{name: "fast", cost: 10, healthy: true, latency: 5 * time.Millisecond},
		)

		sealed, err := f.Encrypt(context.Background(), []byte("secret"), ec)
		require.NoError(t, err)
		assert.Equal(t, "fast", sealed.Provider)
	})

	t.Run("all providers fail", func(t *testing.T) {
		f := newTestFactory(t,
			&fakeProvider{name: "a", cost: 1, encryptErr: errors.New("a down")},
			&fakeProvider{name: "b", cost: 2, encryptErr: errors.New("b down")},
		)

		_, err := f.Encrypt(context.Background(), []byte("secret"), ec)
		assert.ErrorIs(t, err, interfaces.ErrAllProvidersFailed)
		assert.Contains(t, err.Error(), "a down")
		assert.Contains(t, err.Error(), "b down")
	})

	t.Run("decrypt with unknown provider", func(t *testing.T) {
		f := newTestFactory(t, &fakeProvider{name: "a", cost: 1})
		_, err := f.Decrypt(context.Background(), interfaces.SealedKey{Provider: "gone"}, ec)
		assert.ErrorIs(t, err, interfaces.ErrProviderNotFound)
	})
}

func TestKeyVaultFactory_CostAnalysis(t *testing.T) {
	f := newTestFactory(t,
		&fakeProvider{name: "aws", cost: 12},
		&fakeProvider{name: "local", cost: 1},
		&fakeProvider{name: "vault", cost: 5},
	)

	analysis := f.CostAnalysis()
	assert.Equal(t, "local", analysis.Optimal)
	assert.InDelta(t, 11.0, analysis.MonthlySavings, 1e-9)
	require.Len(t, analysis.Providers, 3)
	assert.Equal(t, "local", analysis.Providers[0].Provider)
	assert.Equal(t, "aws", analysis.Providers[2].Provider)

	empty := newTestFactory(t).CostAnalysis()
	assert.Empty(t, empty.Optimal)
}

func TestKeyVaultFactory_Validate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		f := newTestFactory(t,
			&fakeProvider{name: "local", cost: 1, healthy: true},
			&fakeProvider{name: "aws", cost: 10},
		)
		report := f.Validate(context.Background(), []string{"local"})
		assert.True(t, report.Valid)
		assert.Equal(t, 1, report.HealthyProviders)
		assert.Len(t, report.Health, 2)
	})

	t.Run("missing required provider", func(t *testing.T) {
		f := newTestFactory(t, &fakeProvider{name: "local", cost: 1, healthy: true})
		report := f.Validate(context.Background(), []string{"local", "aws"})
		assert.False(t, report.Valid)
		assert.Equal(t, []string{"aws"}, report.MissingRequired)
	})

	t.Run("degenerate cost model", func(t *testing.T) {
		for _, cost := range []float64{0, -1, math.NaN(), math.Inf(1)} {
			f := newTestFactory(t, &fakeProvider{name: "local", cost: cost, healthy: true})
			report := f.Validate(context.Background(), nil)
			assert.False(t, report.Valid, "cost %v", cost)
			assert.False(t, report.CostModelValid)
		}

		report := newTestFactory(t).Validate(context.Background(), nil)
		assert.False(t, report.CostModelValid)
	})

	t.Run("no healthy provider", func(t *testing.T) {
		f := newTestFactory(t, &fakeProvider{name: "local", cost: 1})
		report := f.Validate(context.Background(), nil)
		assert.False(t, report.Valid)
		assert.Zero(t, report.HealthyProviders)
	})
}
