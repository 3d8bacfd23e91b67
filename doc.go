/*
Package ipnetdbsync keeps local copies of the IPNetDB prefix and ASN databases
in sync with the published index.

ipnetdb-sync provides safe, idempotent updates with features including:
  - Validation of the untrusted remote index before any download
  - SHA-256 verification of every downloaded database
  - Atomic promotion of staged files, the index last
  - Optional PGP signature verification of the index
  - Directory locking against concurrent runs

The main packages are:

	github.com/ipnetdb/ipnetdb-sync/internal/ipnetdb  - index format, validation, digests and error kinds
	github.com/ipnetdb/ipnetdb-sync/internal/updater  - update pipeline, storage and transport
	github.com/ipnetdb/ipnetdb-sync/cmd/ipnetdb-sync  - Command-line interface
*/
package ipnetdbsync
