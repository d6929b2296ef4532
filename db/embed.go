// Package db provides the embedded settlement schema.
package db

import _ "embed"

// Schema creates the catalog, account, cart, order and outbox tables. It is
// idempotent and runs on every start.
//
//go:embed migrations/001_schema.sql
var Schema string
