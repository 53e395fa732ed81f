// Package config loads the overlay service configuration.
//
// Loader merges three sources in order: built-in defaults, any number of
// JSON or YAML file layers, and OVERLAY_* environment variables. Later
// sources override earlier ones field by field, so a layer only needs the
// keys it changes. Durations may be written as strings ("30s", "5m",
// "2d") in either file format.
//
//	loader := config.NewLoader()
//	loader.AddLayer("overlay.yaml")
//	loader.AddLayer("overlay.prod.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// SafeConfig wraps a Config for concurrent readers. Get returns a deep copy
// and Update validates before swapping.
//
// # Environment
//
//	OVERLAY_HTTP_ADDR         service.http_addr
//	OVERLAY_METRICS_ADDR      service.metrics_addr
//	OVERLAY_API_PREFIX        service.api_prefix
//	OVERLAY_LOG_LEVEL         service.log_level
//	OVERLAY_LOG_FORMAT        service.log_format
//	OVERLAY_NATS_URLS         nats.urls (comma separated)
//	OVERLAY_NATS_USERNAME     nats.username
//	OVERLAY_NATS_PASSWORD     nats.password
//	OVERLAY_NATS_TOKEN        nats.token
//	OVERLAY_STORE_BACKEND     store.backend
//	OVERLAY_SIM_WORKERS       simulation.workers
//	OVERLAY_MARKET_CSV        market_data.csv_path
package config
