// Package buildinfo holds metadata stamped into the binary at link time.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// UnknownValue is reported for metadata that was not stamped.
const UnknownValue = "unknown"

// Set with -ldflags "-X github.com/tphakala/callaudio/internal/buildinfo.version=...".
var (
	version   string
	buildDate string
	commit    string
)

// Context is the build metadata of the running binary.
type Context struct {
	Version   string
	BuildDate string
	Commit    string
}

// NewContext creates a Context from explicit values.
func NewContext(version, buildDate, commit string) *Context {
	return &Context{Version: version, BuildDate: buildDate, Commit: commit}
}

// Current returns the metadata linked into this binary. A missing commit
// falls back to the VCS revision recorded by the go tool.
func Current() *Context {
	c := NewContext(version, buildDate, commit)
	if c.Commit == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					c.Commit = s.Value
				}
			}
		}
	}
	return c
}

func orUnknown(s string) string {
	if s == "" {
		return UnknownValue
	}
	return s
}

// GetVersion returns the version or UnknownValue.
func (c *Context) GetVersion() string {
	if c == nil {
		return UnknownValue
	}
	return orUnknown(c.Version)
}

// GetBuildDate returns the build date or UnknownValue.
func (c *Context) GetBuildDate() string {
	if c == nil {
		return UnknownValue
	}
	return orUnknown(c.BuildDate)
}

// GetCommit returns the abbreviated commit or UnknownValue.
func (c *Context) GetCommit() string {
	if c == nil || c.Commit == "" {
		return UnknownValue
	}
	if len(c.Commit) > 12 {
		return c.Commit[:12]
	}
	return c.Commit
}

// Release is the release name reported to Sentry.
func (c *Context) Release() string {
	return "callaudio@" + c.GetVersion()
}

// String formats the metadata for the version command.
func (c *Context) String() string {
	return fmt.Sprintf("callaudio %s (commit %s, built %s, %s %s/%s)",
		c.GetVersion(), c.GetCommit(), c.GetBuildDate(),
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
