// ABOUTME: Registers the cgo SQLite driver under the name "sqlite3".
// ABOUTME: Without cgo the driver is present but reports an error when opened.

package store

import (
	_ "github.com/mattn/go-sqlite3"
)
