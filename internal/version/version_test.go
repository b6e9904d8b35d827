package version

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errNoTag = errors.New("no tag")

func fakeGit(exactErr error, describe string) gitFunc {
	return func(args ...string) (string, error) {
		switch args[0] {
		case "rev-parse":
			return ".git", nil
		case "describe":
			for _, a := range args {
				if a == "--exact-match" {
					return "", exactErr
				}
			}
			return describe, nil
		}
		return "", errors.New("unexpected git call")
	}
}

func TestResolveVersion(t *testing.T) {
	t.Parallel()

	notARepo := func(...string) (string, error) { return "", errors.New("not a git repository") }

	cases := []struct {
		name string
		base string
		git  gitFunc
		want string
	}{
		{name: "tagged release", base: "0.1.0", git: fakeGit(nil, ""), want: "0.1.0"},
		{name: "commits after tag", base: "0.1.0", git: fakeGit(errNoTag, "v0.1.0-3-gabcdef"), want: "0.1.0-3-gabcdef"},
		{name: "dirty tree", base: "0.1.0", git: fakeGit(errNoTag, "v0.1.0-3-gabcdef-dirty"), want: "0.1.0-3-gabcdef-dirty"},
		{name: "no tags", base: "0.1.0", git: fakeGit(errNoTag, "abcdef"), want: "0.1.0-abcdef"},
		{name: "not a repo", base: "0.1.0", git: notARepo, want: "0.1.0"},
		{name: "empty base", base: "", git: notARepo, want: "0.0.0"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, resolveVersion(tc.base, tc.git))
		})
	}
}

func TestInfoString(t *testing.T) {
	t.Parallel()

	info := Info{Version: "0.1.0", Commit: "abc123", Date: "2026-01-02", GoVersion: "go1.26.0"}
	require.Equal(t, "voxstream 0.1.0 (commit abc123, built 2026-01-02, go1.26.0)", info.String())
}
