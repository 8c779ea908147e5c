package config

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaults registers a default for every scalar key so environment
// overrides are picked up by Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "openvsx-scan-orchestrator")
	v.SetDefault("service.log_level", "info")

	v.SetDefault("database.url", "")
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.connect_timeout", 10*time.Second)
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("storage.driver", "postgres")

	v.SetDefault("queue.driver", "postgres")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.lease", 5*time.Minute)
	v.SetDefault("queue.batch_size", 16)
	v.SetDefault("queue.retry_base", 5*time.Second)
	v.SetDefault("queue.retry_max", 5*time.Minute)

	v.SetDefault("scanning.new_scanner_grace_period", time.Minute)
	v.SetDefault("scanning.poll_lease", 2*time.Minute)
	v.SetDefault("scanning.invoke_max_attempts", 5)
	v.SetDefault("scanning.poll_max_attempts", 5)

	v.SetDefault("watchdog.interval", time.Minute)
	v.SetDefault("watchdog.queued_requeue_after", 5*time.Minute)
	v.SetDefault("watchdog.queued_fail_after", 30*time.Minute)

	v.SetDefault("events.driver", "memory")
	v.SetDefault("events.memory_limit", 1000)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "openvsx.scan-events")
	v.SetDefault("kafka.client_id", "openvsx-scan-orchestrator")

	v.SetDefault("registry.driver", "http")
	v.SetDefault("registry.base_url", "")
	v.SetDefault("registry.token", "")
	v.SetDefault("registry.timeout", 2*time.Minute)
	v.SetDefault("registry.temp_dir", "")
	v.SetDefault("registry.max_package_size", int64(512<<20))
	v.SetDefault("registry.package_dir", "")

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", "8080")
	v.SetDefault("api.read_timeout", 5*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.idle_timeout", 120*time.Second)
	v.SetDefault("api.shutdown_timeout", 20*time.Second)
	v.SetDefault("api.debug", false)

	v.SetDefault("telemetry.exporter_endpoint", "")
	v.SetDefault("telemetry.probability", 0.05)
	v.SetDefault("telemetry.insecure", true)

	v.SetDefault("cluster.mode", "standalone")
	v.SetDefault("cluster.kubernetes.namespace", "default")
	v.SetDefault("cluster.kubernetes.lease_name", "openvsx-scan-orchestrator")
	v.SetDefault("cluster.kubernetes.identity", "")
	v.SetDefault("cluster.kubernetes.lease_duration", 15*time.Second)
	v.SetDefault("cluster.kubernetes.renew_deadline", 10*time.Second)
	v.SetDefault("cluster.kubernetes.retry_period", 2*time.Second)

	v.SetDefault("secrets.max_file_size", int64(1<<20))
	v.SetDefault("secrets.max_entries", 10000)
	v.SetDefault("secrets.skip_extensions", []string{".png", ".jpg", ".jpeg", ".gif", ".ico", ".woff", ".woff2", ".ttf", ".wasm"})
	v.SetDefault("secrets.config_path", "")
}
