// Package database provides the PostgreSQL connection pool used by the
// gateway's message store.
package database
