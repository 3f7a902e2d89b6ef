// Package identity derives short, stable names from package source URLs.
//
// The folder name of a package defaults to the last path segment of its URL,
// and content database packages are addressed by an owner/name pair taken
// from a fixed /packages/{owner}/{name} path shape.
package identity

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrEmptyName is returned when a URL has no path segment to name a folder after.
var ErrEmptyName = errors.New("url has no path segment to derive a name from")

// scpLike matches git's scp-style remote syntax, e.g. git@github.com:owner/repo.git.
var scpLike = regexp.MustCompile(`^(?:[^@/:\s]+@)?[^@/:\s]+:(.*)$`)

// FolderName returns the final non-empty path segment of rawURL with one
// trailing extension removed, so both
//
//	https://example.com/group/i3
//	https://example.com/group/i3.git
//
// name the folder "i3". Everything from the last dot of the segment on is
// dropped, so a bare ".git" segment yields ErrEmptyName.
func FolderName(rawURL string) (string, error) {
	p, err := urlPath(rawURL)
	if err != nil {
		return "", err
	}

	p = strings.TrimRight(p, "/")
	name := p[strings.LastIndex(p, "/")+1:]
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[:i]
	}

	if name == "" {
		return "", fmt.Errorf("%q: %w", rawURL, ErrEmptyName)
	}
	return name, nil
}

// PackageIdentity parses a content database URL of the form
// .../packages/{owner}/{name} (trailing slash optional). ok is false for any
// other path shape.
func PackageIdentity(rawURL string) (owner, name string, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", false
	}

	p := strings.TrimPrefix(strings.TrimSuffix(u.Path, "/"), "/")
	segs := strings.Split(p, "/")
	if len(segs) != 3 || segs[0] != "packages" || segs[1] == "" || segs[2] == "" {
		return "", "", false
	}
	return segs[1], segs[2], true
}

// RepoPath returns the repository path of rawURL without leading or trailing
// slashes and without a ".git" suffix, e.g. "minetest-mods/i3". It is used to
// match hosting-service repository names against declared URLs.
func RepoPath(rawURL string) (string, error) {
	p, err := urlPath(rawURL)
	if err != nil {
		return "", err
	}
	p = strings.Trim(p, "/")
	return strings.TrimSuffix(p, ".git"), nil
}

func urlPath(rawURL string) (string, error) {
	if !strings.Contains(rawURL, "://") {
		if m := scpLike.FindStringSubmatch(rawURL); m != nil {
			return m[1], nil
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	return u.Path, nil
}
