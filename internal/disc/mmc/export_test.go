package mmc

var (
	EncodeFields = encodeFields
	DecodeFields = decodeFields
	ParseSense   = parseSense
)
