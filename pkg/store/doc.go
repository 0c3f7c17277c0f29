// Package store persists conversation turns and corrections.
//
// The engine writes through the Gateway interface on a best-effort basis: a
// failed write is logged and counted but never aborts a turn. SQLiteStore is
// the bundled implementation and also serves the history replay endpoint.
package store
