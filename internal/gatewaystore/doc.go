// Package gatewaystore persists per-gateway state across restarts.
//
// Three repositories share one SQLite database (see the migrations package):
//
//   - CredentialRepository: the username each gateway issued at pairing
//   - FingerprintRepository: certificate fingerprints pinned on first use
//   - SnapshotRepository: diagnostic snapshots of identity, devices and cache
//
// All records are keyed by bridge id, so a gateway that changes address
// keeps its credential.
package gatewaystore
