// Package transport implements the bounded-retry request policy shared by
// the attribute-protocol client and the repository fetcher: a fixed number
// of attempts with a fixed delay, after which ErrConnectionExhausted is
// raised. The policy lives in an http.RoundTripper so it applies uniformly
// to every request, including those issued through third-party API clients.
package transport
