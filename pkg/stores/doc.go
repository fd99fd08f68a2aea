// Package stores provides durable backends for the application registry and
// per-application deployment state.
//
// SQLiteStore keeps registry entries, deployment states, leases and the
// deployment event journal in one SQLite database (WAL mode, embedded
// migrations). S3StateStore keeps deployment state as one object per
// application in a bucket and uses conditional writes for compare-and-swap
// and lease objects.
package stores
