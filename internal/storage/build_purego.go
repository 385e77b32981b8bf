//go:build purego || !sqlite_vec

package storage

// Default build: pure Go SQLite, no CGO, no vector extension.

import _ "modernc.org/sqlite"

const (
	DriverName               = "sqlite"
	VectorExtensionAvailable = false
	BuildMode                = "purego"
)
