// Package version reports build information for the schemaforge binary.
package version

import (
	"fmt"
	"runtime"

	goversion "github.com/hashicorp/go-version"
)

var (
	// Version is the version of the CLI, set with -ldflags at build time
	Version = "dev"
	// BuildDate is the build date
	BuildDate = "unknown"
	// GitCommit is the git commit hash
	GitCommit = "unknown"
)

// Info holds version information
type Info struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	GitCommit string `json:"git_commit"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns version information
func Get() Info {
	return Info{
		Version:   Version,
		BuildDate: BuildDate,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String returns a formatted version string
func (i Info) String() string {
	return fmt.Sprintf("schemaforge %s (%s %s)", i.Version, i.Platform, i.GoVersion)
}

// FullString returns a detailed version string
func (i Info) FullString() string {
	return fmt.Sprintf(`schemaforge %s
Build Date: %s
Git Commit: %s
Platform:   %s
Go Version: %s`, i.Version, i.BuildDate, i.GitCommit, i.Platform, i.GoVersion)
}

// Satisfies checks the binary against a project's required_version
// constraint, such as ">= 1.2, < 2.0". Development builds satisfy everything.
func (i Info) Satisfies(constraint string) error {
	if constraint == "" || i.Version == "dev" {
		return nil
	}
	c, err := goversion.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid required_version %q: %w", constraint, err)
	}
	v, err := goversion.NewVersion(i.Version)
	if err != nil {
		return fmt.Errorf("invalid binary version %q: %w", i.Version, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("schemaforge %s does not satisfy required_version %q", i.Version, constraint)
	}
	return nil
}
