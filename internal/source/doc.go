// Package source fetches versioned firmware files from a source-repository
// hosting service: it resolves a repository URL into owner/name (plus an
// optional access token), lists the recursive file tree with per-file
// content digests, and downloads raw file bytes one file at a time.
package source
