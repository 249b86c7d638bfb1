package instance

import "os"

// EnvInstanceID overrides the detected instance identifier.
const EnvInstanceID = "FILEPIPE_INSTANCE_ID"

// GetID returns the worker instance identifier: the override, then the
// hostname, then a fixed default.
func GetID() string {
	if id := os.Getenv(EnvInstanceID); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-0"
}

// ConsumerTag names one consumer on the broker so operators can tell
// replicas apart.
func ConsumerTag(consumer string) string {
	return consumer + "@" + GetID()
}
