// Package dvd decodes the DVD-Video navigation files under VIDEO_TS into
// titles, chapters and VOB file lists.
//
// Parse reads VIDEO_TS.IFO (the Video Manager) for the title table and then
// each referenced VTS_xx_0.IFO for program chain timing and cell sector
// ranges. Title sets whose IFO is missing are kept with zero duration so the
// selection policy can drop them. Nothing here writes to disk.
package dvd
