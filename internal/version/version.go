package version

import (
	"fmt"
	"runtime"
)

// Component is the name the relay identifies itself with
const Component = "kaptn-relay"

var (
	// Version is the current version of the relay
	Version = "v0.1.0-dev"
	// GitCommit is the git commit that was compiled
	GitCommit = "unknown"
	// BuildDate is the date the binary was built
	BuildDate = "unknown"
	// GoVersion is the version of Go that was used to compile
	GoVersion = runtime.Version()
)

// Info represents version information
type Info struct {
	Component string `json:"component"`
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// Get returns the version information
func Get() Info {
	return Info{
		Component: Component,
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: GoVersion,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String returns a formatted version string
func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s, %s)",
		i.Component, i.Version, i.GitCommit, i.BuildDate, i.GoVersion, i.Platform)
}

// UserAgent is sent with every Kubernetes API request
func (i Info) UserAgent() string {
	return fmt.Sprintf("%s/%s (%s) %s", i.Component, i.Version, i.Platform, i.GitCommit)
}
