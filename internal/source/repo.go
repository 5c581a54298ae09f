package source

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrInvalidRepoURL is returned for a malformed repository URL.
	// Fatal: no network I/O happens for such a publish.
	ErrInvalidRepoURL = errors.New("invalid repository URL")
	// ErrEmptyRepo is returned when the tree listing yields no files.
	ErrEmptyRepo = errors.New("repository is empty")
)

// Repo identifies a hosted repository. Token, when present, is the optional
// third URL path segment and authenticates every request for this repository.
type Repo struct {
	Owner string
	Name  string
	Token string
}

// String returns "<owner>/<name>".
func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// ParseRepoURL parses "https://host/owner/repo" or
// "https://host/owner/repo/token" (trailing slash tolerated).
func ParseRepoURL(raw string) (Repo, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Repo{}, fmt.Errorf("%w: %s", ErrInvalidRepoURL, raw)
	}

	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return Repo{}, fmt.Errorf("%w: %s", ErrInvalidRepoURL, raw)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")

	switch len(segments) {
	case 2:
		if segments[0] == "" || segments[1] == "" {
			return Repo{}, fmt.Errorf("%w: %s", ErrInvalidRepoURL, raw)
		}

		return Repo{Owner: segments[0], Name: segments[1]}, nil
	case 3:
		if segments[0] == "" || segments[1] == "" || segments[2] == "" {
			return Repo{}, fmt.Errorf("%w: %s", ErrInvalidRepoURL, raw)
		}

		return Repo{Owner: segments[0], Name: segments[1], Token: segments[2]}, nil
	default:
		return Repo{}, fmt.Errorf("%w: %s", ErrInvalidRepoURL, raw)
	}
}
