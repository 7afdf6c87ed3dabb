// Package refdata maintains the instrument catalog used to vet subscribe
// requests before they reach the upstream feed.
//
// The catalog is loaded from Postgres at startup (blocking) and reconciled
// on a fixed interval afterwards. A failed reconcile keeps the previous
// snapshot; subscription vetting never performs per-request database work.
package refdata
