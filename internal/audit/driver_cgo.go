//go:build cgo

package audit

// The cgo driver is selected with audit.driver: sqlite3.
import _ "github.com/mattn/go-sqlite3"
