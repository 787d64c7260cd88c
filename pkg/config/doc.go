// Package config loads service configuration from RECUR_* environment
// variables and billing settings from an optional YAML file.
//
// # Environment
//
//	RECUR_PORT="8080"
//	RECUR_HEALTH_PORT="9090"
//	RECUR_ADMIN_TOKEN="..."
//	RECUR_STORAGE_TYPE="postgres"  # memory, postgres
//	RECUR_POSTGRES_URL="postgres://localhost/recur"
//	RECUR_POSTGRES_REPLICA_URLS="postgres://replica1/recur,postgres://replica2/recur"
//	RECUR_REDIS_URL="redis://localhost:6379/0"
//	RECUR_S3_BUCKET="recur-events"
//	RECUR_STRIPE_API_KEY="sk_live_..."
//	RECUR_STRIPE_WEBHOOK_SECRET="whsec_..."
//	RECUR_POSTMARK_TOKEN="..."
//	RECUR_LOG_LEVEL="info"
//	RECUR_LOG_FORMAT="json"
//	RECUR_OTEL_ENABLED="true"
//	RECUR_BILLING_FILE="/etc/recur/billing.yaml"
//
// # Billing File
//
//	pricing:
//	  currency: usd
//	  unit_price_cents:
//	    basecamp: 1000
//	    spark: 1000
//	    momentum: 1500
//	    vision: 2000
//	policy:
//	  retry_days: [1, 2, 4, 6]
//	  grace_days: 7
//	  deletion_day: 37
//	schedules:
//	  daily: "0 2 * * *"
//	  archive: "30 3 * * *"
//
// Prices are reloaded while the server runs (WatchBillingFile); policy and
// schedule changes need a restart.
package config
