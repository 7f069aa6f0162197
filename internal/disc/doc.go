// Package disc dispatches between the DVD and Blu-ray parsers and talks to
// the physical optical drive.
//
// Open probes a disc root once and returns a Media value tagged with the
// media kind, so callers switch on Kind instead of carrying per-format
// interfaces through the pipeline. SelectTitles applies the default title
// filter used by extraction. The drive helpers cover tray status, mounting
// and ejection; the SCSI transport used by the decryption engines lives in
// the mmc subpackage.
package disc
