// Package database provides pgx connection pool construction for the
// instrument catalog database.
package database
