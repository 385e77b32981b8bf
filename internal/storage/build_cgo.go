//go:build sqlite_vec && !purego

package storage

// CGO build with sqlite-vec loaded into every connection:
//
//	CGO_ENABLED=1 go build -tags sqlite_vec ./...
//
// NearestNeighbors then computes vec_distance_cosine in SQL.

import (
	sqlitevec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() { sqlitevec.Auto() }

const (
	DriverName               = "sqlite3"
	VectorExtensionAvailable = true
	BuildMode                = "cgo"
)
