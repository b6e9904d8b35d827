package version

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Set through -ldflags at release time.
var (
	Version = "0.1.0"
	Commit  = "unknown"
	Date    = "unknown"
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"goVersion"`
}

func (i Info) String() string {
	return fmt.Sprintf("voxstream %s (commit %s, built %s, %s)", i.Version, i.Commit, i.Date, i.GoVersion)
}

// Current describes the running binary.
func Current() Info {
	return Info{
		Version:   Resolve(),
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
	}
}

// Resolve returns the release version, with a git describe suffix when run
// from a checkout that is not on a release tag.
func Resolve() string {
	return resolveVersion(Version, runGit)
}

type gitFunc func(args ...string) (string, error)

func resolveVersion(base string, git gitFunc) string {
	if base == "" {
		base = "0.0.0"
	}
	if suffix := describeSuffix(base, git); suffix != "" {
		return base + "-" + suffix
	}
	return base
}

func describeSuffix(base string, git gitFunc) string {
	if _, err := git("rev-parse", "--git-dir"); err != nil {
		return ""
	}
	if _, err := git("describe", "--tags", "--exact-match"); err == nil {
		return ""
	}

	desc, err := git("describe", "--tags", "--dirty", "--always")
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(desc, "v"+base+"-")
}

func runGit(args ...string) (string, error) {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
