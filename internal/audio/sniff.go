package audio

// MIME types understood by the player.
const (
	MimeMPEG = "audio/mpeg"
	MimeWAV  = "audio/wav"
)

// SniffMIME guesses the container from the leading bytes: an ID3 tag or an
// MPEG frame sync means MP3; anything else is treated as WAV.
func SniffMIME(data []byte) string {
	if len(data) >= 3 && data[0] == 'I' && data[1] == 'D' && data[2] == '3' {
		return MimeMPEG
	}
	if len(data) >= 2 && data[0] == 0xff && data[1]&0xe0 == 0xe0 {
		return MimeMPEG
	}
	return MimeWAV
}
