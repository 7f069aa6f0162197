// Package bluray decodes the BDMV navigation files of a Blu-ray filesystem:
// index.bdmv, MovieObject.bdmv, PLAYLIST/*.mpls and CLIPINF/*.clpi.
//
// Playlists are the unit of selection. Each one lists PlayItems that point at
// clips by their five character name, and marks that locate chapters. Stream
// files (STREAM/*.m2ts) are only checked for existence here.
package bluray
