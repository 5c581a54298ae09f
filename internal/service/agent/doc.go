// Package agent is the long-running entry point of the device updater. It
// loads settings, wires the backend client, the repository fetcher and the
// update pipeline together, and polls for newly published firmware until an
// update is applied or the context is cancelled. A marker file guards
// against two agents updating the same device at once.
package agent
