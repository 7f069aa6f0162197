// Package extraction copies the selected titles of a DVD or Blu-ray source
// into a per-job scratch directory, decrypting CSS or AACS protected
// sectors on the way.
//
// Extract checks free space before touching the filesystem, copies the
// navigation files verbatim, then streams each title sector by sector. The
// scratch directory is removed on every failure path so a failed job never
// leaves partial streams behind. A manifest.json describing the staged
// files is written last and marks the directory as complete.
package extraction
