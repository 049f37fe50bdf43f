// Package version holds build metadata injected with -ldflags.
package version

// Set at build time:
//
//	go build -ldflags "-X github.com/sydlexius/roadie/internal/version.Version=v1.2.3"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// UserAgent is the User-Agent header sent to external services.
func UserAgent() string {
	return "Roadie/" + Version + " (https://github.com/sydlexius/roadie)"
}
