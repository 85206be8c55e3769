package config

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FEE_RATE", "")
	t.Setenv("MINIMUM_FEE", "")
	t.Setenv("PAYMENT_CURRENCY", "")
	t.Setenv("WEBHOOK_CLAIM_SECONDS", "")
	t.Setenv("WEBHOOK_DEDUP_TTL_HOURS", "")

	cfg := Load()

	assert.True(t, cfg.Business.FeeRate.Equal(decimal.RequireFromString("0.08")))
	assert.True(t, cfg.Business.MinimumFee.Equal(decimal.RequireFromString("3")))
	assert.Equal(t, "usd", cfg.Stripe.Currency)
	assert.Equal(t, 3, cfg.Business.ConflictRetries)
	assert.Equal(t, 300, cfg.Business.WebhookClaimSeconds)
	assert.Equal(t, 72, cfg.Business.WebhookDedupTTLHour)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FEE_RATE", "0.10")
	t.Setenv("MINIMUM_FEE", "bogus")
	t.Setenv("PAYMENT_CURRENCY", "EUR")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

	cfg := Load()

	assert.True(t, cfg.Business.FeeRate.Equal(decimal.RequireFromString("0.10")))
	assert.True(t, cfg.Business.MinimumFee.Equal(decimal.RequireFromString("3.00")))
	assert.Equal(t, "eur", cfg.Stripe.Currency)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
}
