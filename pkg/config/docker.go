package config

import (
	"os"
	"sync"
)

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker reports whether /.dockerenv exists. Cached after the first call.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveHostForDocker maps loopback data source hosts to host.docker.internal
// when the service itself runs in a container, so operators can register
// telemetry databases running on the Docker host as "localhost".
func ResolveHostForDocker(host string) string {
	if !IsRunningInDocker() {
		return host
	}

	switch host {
	case "localhost", "127.0.0.1", "::1":
		return "host.docker.internal"
	}
	return host
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
