// Package preflight provides readiness checks for the paths, drive and
// external programs ripline depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll at startup and logs every failed check.
//   - The CLI "ripline status" command renders the same results alongside
//     queue statistics.
//
// Checks for optional features (ntfy, KEYDB) are skipped when unconfigured.
package preflight
