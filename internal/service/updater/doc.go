// Package updater sequences the firmware update pipeline: it discovers the
// desired firmware via the fleet backend, downloads and verifies the
// repository's files one at a time, stages them, swaps the live firmware
// tree while preserving boot-critical entries, reports progress, and
// signals a device restart. The staging tree is removed on every exit path.
package updater
