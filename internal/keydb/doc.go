// Package keydb loads the community KEYDB.cfg catalog used for Blu-ray
// decryption: per-disc volume unique keys and unit keys keyed by the SHA-1
// disc ID, plus global processing keys. A missing or stale catalog is
// refreshed from a zip download.
package keydb
