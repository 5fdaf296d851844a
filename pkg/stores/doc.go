// Package stores persists execution history and scaling groups in SQLite.
// The schema is embedded and applied with golang-migrate; every recorded
// state change updates the execution row and appends an event.
package stores
