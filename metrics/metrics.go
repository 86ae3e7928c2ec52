package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors are package-level so that components can record without
// threading a registry through constructors. They only become visible once
// Register has been called.
var (
	VerificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verifications_total",
		Help: "Signed request verifications by result code",
	}, []string{"code"})

	VerificationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "verification_duration_seconds",
		Help:    "Latency of signed request verification",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	CacheRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "public_key_cache_requests_total",
		Help: "Public key cache lookups by result",
	}, []string{"result"}) // result: hit|miss|error

	CacheLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "public_key_cache_latency_seconds",
		Help:    "Latency of public key cache lookups",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	VaultOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "key_vault_operations_total",
		Help: "Key vault provider operations by provider, operation and outcome",
	}, []string{"provider", "operation", "outcome"})

	VaultProviderHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "key_vault_provider_healthy",
		Help: "1 if the last health probe of the provider succeeded",
	}, []string{"provider"})

	VaultProbeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "key_vault_probe_duration_seconds",
		Help:    "Health probe latency per provider",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	KeysCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "account_keys_created_total",
		Help: "Custodial keys created by algorithm and outcome",
	}, []string{"algorithm", "outcome"})

	SubstitutionKeyOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "substitution_key_operations_total",
		Help: "Substitution key lifecycle operations by operation and outcome",
	}, []string{"operation", "outcome"})

	NoncesDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nonces_deleted_total",
		Help: "Expired nonce rows removed by the janitor",
	})
)

func allCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		VerificationsTotal,
		VerificationDuration,
		CacheRequestsTotal,
		CacheLatency,
		VaultOperationsTotal,
		VaultProviderHealthy,
		VaultProbeDuration,
		KeysCreatedTotal,
		SubstitutionKeyOpsTotal,
		NoncesDeletedTotal,
	}
}

// Register registers all collectors on the given registry (or default if nil).
// Registering twice is not an error.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range allCollectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
