// Package version carries build metadata injected with ldflags:
//
//	go build -ldflags "-X github.com/rickgao/syncline/internal/version.Version=1.2.0 \
//	                   -X github.com/rickgao/syncline/internal/version.Commit=$(git rev-parse --short HEAD)" \
//	    ./cmd/syncline
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String returns "<version> (<commit>) built <time>".
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}

// UserAgent is sent on every REST request and websocket handshake.
func UserAgent() string {
	return "syncline/" + Version
}
