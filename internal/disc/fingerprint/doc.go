// Package fingerprint computes deterministic identifiers for disc contents.
//
// Compute hashes the navigation files (IFOs, or the BDMV index, playlists
// and clip info) so two insertions of the same disc collide and the pipeline
// can refuse a duplicate enqueue. AACSDiscID derives the identifier the KEYDB
// catalog is keyed by.
package fingerprint
