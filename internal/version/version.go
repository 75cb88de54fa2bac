package version

// Set at build time via -ldflags, e.g.
// go build -ldflags "-X github.com/quillbot/teamsbridge/internal/version.Version=v0.2.0"
var (
	// Version is the semantic version of the bridge.
	Version = "dev"

	// Commit is the git commit hash.
	Commit = "none"
)
