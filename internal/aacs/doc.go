// Package aacs implements the Blu-ray AACS session: certificate exchange
// with the drive, an ECDH bus key, volume key recovery, and per-sector AES
// decryption of transport stream data.
//
// Engine states run Closed, CertificatesVerified, SessionKeyed,
// Authenticated, VolumeKeyed and Ready. Any failure during authentication or
// key recovery leaves the Engine Broken.
//
// Certificates and key agreement use ECDSA and ECDH on P-256 with the bus key
// derived through HKDF-SHA256.
package aacs
