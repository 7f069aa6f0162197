package dvd

// DecodeBCDTime converts a packed BCD playback time (hh mm ss ff) into
// seconds. The top two bits of the frame byte select the frame rate: 3 means
// 30 fps, anything else is treated as 25 fps.
func DecodeBCDTime(v uint32) float64 {
	h := bcd(byte(v >> 24))
	m := bcd(byte(v >> 16))
	s := bcd(byte(v >> 8))
	frameByte := byte(v)
	frames := bcd(frameByte & 0x3F)
	fps := 25.0
	if frameByte>>6 == 3 {
		fps = 30.0
	}
	return float64(h*3600+m*60+s) + float64(frames)/fps
}

// EncodeBCDTime is the inverse of DecodeBCDTime for whole 25 fps frames.
func EncodeBCDTime(hours, minutes, seconds, frames int) uint32 {
	return uint32(tobcd(hours))<<24 | uint32(tobcd(minutes))<<16 | uint32(tobcd(seconds))<<8 | uint32(tobcd(frames)|0x40)
}

func bcd(v byte) int {
	return int(v>>4)*10 + int(v&0x0F)
}

func tobcd(v int) byte {
	v %= 100
	return byte(v/10)<<4 | byte(v%10)
}
