package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v39/github"
	"golang.org/x/oauth2"

	"github.com/roehann/cota/internal/logger"
	"github.com/roehann/cota/internal/transport"
)

const (
	// DefaultBranch is the branch whose tree is listed and downloaded.
	DefaultBranch = "main"

	// defaultRawBaseURL serves raw file contents outside the API host.
	defaultRawBaseURL = "https://raw.githubusercontent.com"

	blobEntryType = "blob"
)

// RemoteFile is one blob entry from the repository tree listing,
// immutable once listed.
type RemoteFile struct {
	// Path is repository-relative, slash-separated.
	Path string
	// SHA is the git blob digest declared by the listing.
	SHA string
}

// File is a downloaded RemoteFile. Data lives only until the file is staged;
// the consumer drops it before pulling the next one.
type File struct {
	Path string
	SHA  string
	Data []byte
}

// Fetcher lists a repository's file tree and downloads its files one at a
// time, in listing order, so the device holds at most one file's bytes in
// memory.
type Fetcher struct {
	httpClient *http.Client

	apiBaseURL string
	rawBaseURL string
	branch     string
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithAPIBaseURL points the tree-listing API at a different host,
// used by tests.
func WithAPIBaseURL(u string) Option {
	return func(f *Fetcher) {
		f.apiBaseURL = u
	}
}

// WithRawBaseURL points raw file downloads at a different host,
// used by tests.
func WithRawBaseURL(u string) Option {
	return func(f *Fetcher) {
		f.rawBaseURL = u
	}
}

// WithBranch overrides the default branch.
func WithBranch(branch string) Option {
	return func(f *Fetcher) {
		if branch != "" {
			f.branch = branch
		}
	}
}

// NewFetcher builds a Fetcher on top of the shared retrying HTTP client.
func NewFetcher(httpClient *http.Client, opts ...Option) *Fetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	f := &Fetcher{
		httpClient: httpClient,
		rawBaseURL: defaultRawBaseURL,
		branch:     DefaultBranch,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Fetch resolves repoURL, lists the full recursive file tree and returns a
// stream yielding the files in listing order. The listing happens up front;
// downloads are lazy, one file per Next call.
func (f *Fetcher) Fetch(ctx context.Context, repoURL string) (*FileStream, error) {
	repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}

	httpClient := f.clientFor(repo)

	files, err := f.listTree(ctx, repo, httpClient)
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Listed repository tree", "repo", repo.String(), "files", len(files))

	return &FileStream{
		httpClient: httpClient,
		rawBase:    fmt.Sprintf("%s/%s/%s/%s", strings.TrimRight(f.rawBaseURL, "/"), repo.Owner, repo.Name, f.branch),
		files:      files,
	}, nil
}

// listTree enumerates all blob entries of the repository's branch.
func (f *Fetcher) listTree(ctx context.Context, repo Repo, httpClient *http.Client) ([]RemoteFile, error) {
	client := github.NewClient(httpClient)

	if f.apiBaseURL != "" {
		base, err := url.Parse(strings.TrimRight(f.apiBaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse API base URL: %w", err)
		}

		client.BaseURL = base
	}

	tree, _, err := client.Git.GetTree(ctx, repo.Owner, repo.Name, f.branch, true)
	if err != nil {
		var statusErr *transport.StatusError
		if errors.As(err, &statusErr) &&
			(statusErr.Code == http.StatusNotFound || statusErr.Code == http.StatusConflict) {
			// Missing branch or a repository with no commits.
			return nil, fmt.Errorf("%w: does the %q branch exist?", ErrEmptyRepo, f.branch)
		}

		return nil, fmt.Errorf("list tree of %s: %w", repo.String(), err)
	}

	var files []RemoteFile

	for _, entry := range tree.Entries {
		if entry.GetType() != blobEntryType {
			continue
		}

		files = append(files, RemoteFile{Path: entry.GetPath(), SHA: entry.GetSHA()})
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("%w: does the %q branch exist?", ErrEmptyRepo, f.branch)
	}

	return files, nil
}

// clientFor layers bearer-token authentication over the shared transport
// when the repository URL carried an access token.
func (f *Fetcher) clientFor(repo Repo) *http.Client {
	if repo.Token == "" {
		return f.httpClient
	}

	return &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: repo.Token}),
			Base:   f.httpClient.Transport,
		},
	}
}

// FileStream yields the listed files one at a time, downloading each on
// demand so that at most one file's contents stay resident.
type FileStream struct {
	httpClient *http.Client
	rawBase    string
	files      []RemoteFile
	next       int
}

// Len returns the total number of files in the listing.
func (s *FileStream) Len() int {
	return len(s.files)
}

// Next downloads and returns the next file in listing order.
// ok is false once the stream is exhausted.
func (s *FileStream) Next(ctx context.Context) (*File, bool, error) {
	if s.next >= len(s.files) {
		return nil, false, nil
	}

	remote := s.files[s.next]
	s.next++

	fileURL := s.rawBase + "/" + remote.Path
	logger.Infof(ctx, "Downloading: %s", fileURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, http.NoBody)
	if err != nil {
		return nil, false, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("download %s: %w", remote.Path, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", remote.Path, err)
	}

	return &File{Path: remote.Path, SHA: remote.SHA, Data: data}, true, nil
}
