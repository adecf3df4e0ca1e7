package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// General server level configuration.
type coreSettings struct {
	Debug bool `envDefault:"true"`

	DBURI     string `env:"DB_URI" envDefault:"file:loom.sqlite3"`
	DBMigrate bool   `env:"DB_MIGRATE"`

	HTTPBindAddr string `env:"HTTP_BIND_ADDR" envDefault:"127.0.0.1:8025"`

	// Shared secret echoed back by the provider in every notification's
	// clientState field. Notifications that do not carry it are rejected.
	WebhookSecret string `env:"WEBHOOK_SECRET,required"`

	// Public URL the provider delivers notifications to.
	WebhookEndpoint string `env:"WEBHOOK_ENDPOINT" envDefault:"http://127.0.0.1:8025/webhooks/notify"`

	ProviderBaseURL string        `env:"PROVIDER_BASE_URL" envDefault:"https://graph.example.com/v1"`
	ProviderToken   string        `env:"PROVIDER_TOKEN"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"15s"`
}

// Settings for the link resolver. The similarity and overlap thresholds
// are policy constants carried over from convention, so they stay tunable.
type resolverSettings struct {
	SubjectSimilarity float64       `env:"RESOLVER_SUBJECT_SIMILARITY" envDefault:"0.90"`
	RecipientOverlap  float64       `env:"RESOLVER_RECIPIENT_OVERLAP" envDefault:"0.70"`
	SubjectLookback   time.Duration `env:"RESOLVER_SUBJECT_LOOKBACK" envDefault:"720h"`
	ProximityLookback time.Duration `env:"RESOLVER_PROXIMITY_LOOKBACK" envDefault:"24h"`

	// When true, new inbound mail also reopens resolved threads. The
	// default only flips replied threads back to awaiting-reply.
	ReopenResolved bool `env:"RESOLVER_REOPEN_RESOLVED"`
}

// Settings for the ingestion pipeline.
type pipelineSettings struct {
	Workers      int             `env:"PIPELINE_WORKERS" envDefault:"4"`
	PollInterval time.Duration   `env:"PIPELINE_POLL_INTERVAL" envDefault:"2s"`
	RetryDelays  []time.Duration `env:"PIPELINE_RETRY_DELAYS" envDefault:"30s 5m 30m" envSeparator:" "`
	Retention    time.Duration   `env:"PIPELINE_RETENTION" envDefault:"168h"`
}

// Settings for the reconciliation sweeper.
type sweepSettings struct {
	Interval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	RenewBefore  time.Duration `env:"SWEEP_RENEW_BEFORE" envDefault:"24h"`
	InitialReach time.Duration `env:"SWEEP_INITIAL_REACH" envDefault:"168h"`
}

func init() {
	if err := env.Parse(&Core); err != nil {
		panic(fmt.Sprintf("could not parse core configuration: %v", err))
	}

	if err := env.Parse(&Resolver); err != nil {
		panic(fmt.Sprintf("could not parse resolver configuration: %v", err))
	}

	if err := env.Parse(&Pipeline); err != nil {
		panic(fmt.Sprintf("could not parse pipeline configuration: %v", err))
	}

	if err := env.Parse(&Sweep); err != nil {
		panic(fmt.Sprintf("could not parse sweep configuration: %v", err))
	}
}

var Core coreSettings
var Resolver resolverSettings
var Pipeline pipelineSettings
var Sweep sweepSettings
