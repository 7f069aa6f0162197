// Package mmc speaks the SCSI multimedia command set to an optical drive.
//
// Drive implements css.Device and its AACS view implements aacs.Device, both
// on top of REPORT KEY, SEND KEY and READ DISC STRUCTURE. Commands travel through a Transport;
// OpenDevice returns one backed by the Linux SG_IO ioctl.
package mmc
