package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("COMMISSION_RATE", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("WEBHOOK_ASYNC", "")
	t.Setenv("BACKEND_URL", "")
	t.Setenv("METRICS_ADDR", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9102", cfg.MetricsAddr)
	assert.Equal(t, "0.1", cfg.CommissionRate.String())
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.WebhookAsync)
	assert.Equal(t, "", cfg.WebhookURL())
	assert.Equal(t, int32(8), cfg.PostgresMax)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("COMMISSION_RATE", "0.15")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("WEBHOOK_ASYNC", "true")
	t.Setenv("BACKEND_URL", "https://api.example.com/")
	t.Setenv("MERCADOPAGO_ACCESS_TOKEN", "tok")
	t.Setenv("METRICS_ADDR", ":9300")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9300", cfg.MetricsAddr)
	assert.Equal(t, "0.15", cfg.CommissionRate.String())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.WebhookAsync)
	assert.True(t, cfg.GatewayConfigured())
	assert.Equal(t, "https://api.example.com/payments/webhook", cfg.WebhookURL())
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"rate zero":        {"COMMISSION_RATE": "0"},
		"rate one":         {"COMMISSION_RATE": "1"},
		"rate garbage":     {"COMMISSION_RATE": "ten"},
		"async no brokers": {"WEBHOOK_ASYNC": "true", "KAFKA_BROKERS": ""},
		"bad workers":      {"RECONCILER_WORKERS": "many"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
