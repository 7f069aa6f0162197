// Package conversion turns staged titles into the configured output format.
//
// Transcoder is implemented by the ffmpeg CLI backend and by the drapto
// library backend. Runner wraps either with the per-job timeout so a hung
// encoder is killed and reported as ErrConversionTimeout.
package conversion
