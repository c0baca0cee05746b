package supervisor

import (
	"fmt"
	"runtime"
)

// Artifact is one downloadable service binary.
type Artifact struct {
	URL      string
	Checksum string
}

// UnsupportedPlatformError is returned when no unattended install path
// exists for the current platform. The message carries the manual
// remediation so callers can surface it directly.
type UnsupportedPlatformError struct {
	Service  string
	Platform string
	Hint     string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("unattended install of %s is not supported on %s: %s", e.Service, e.Platform, e.Hint)
}

// artifactCatalog maps service and platform to a download source.
// Platforms missing here fail fast instead of attempting privilege
// escalation or untested install sequences.
var artifactCatalog = map[string]map[string]Artifact{
	"ollama": {
		"linux/amd64":  {URL: "https://ollama.com/download/ollama-linux-amd64.tgz"},
		"linux/arm64":  {URL: "https://ollama.com/download/ollama-linux-arm64.tgz"},
		"darwin/amd64": {URL: "https://ollama.com/download/Ollama-darwin.zip"},
		"darwin/arm64": {URL: "https://ollama.com/download/Ollama-darwin.zip"},
	},
	"whisper": {
		"linux/amd64": {URL: "https://github.com/ggml-org/whisper.cpp/releases/latest/download/whisper-server-linux-x64.tar.gz"},
	},
}

// daemonArgs are the arguments each service daemon needs to serve.
var daemonArgs = map[string][]string{
	"ollama": {"serve"},
}

func lookupArtifact(service string) (Artifact, error) {
	platform := runtime.GOOS + "/" + runtime.GOARCH

	platforms, ok := artifactCatalog[service]
	if !ok {
		return Artifact{}, &UnsupportedPlatformError{
			Service:  service,
			Platform: platform,
			Hint:     "no install source registered, install the service manually",
		}
	}
	artifact, ok := platforms[platform]
	if !ok {
		return Artifact{}, &UnsupportedPlatformError{
			Service:  service,
			Platform: platform,
			Hint:     "download and install the service from the vendor's site",
		}
	}
	return artifact, nil
}
