package capture

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

// maxOpusFrameSize is the largest Opus frame in samples per channel
// (120 ms at 48 kHz), used as the decode buffer bound.
const maxOpusFrameSize = 5760

// clipFromOpus decodes a sequence of raw Opus packets (one packet per chunk)
// into 16-bit PCM and finalizes the result as a WAV clip. Transcription
// backends decode WAV far more reliably than bare Opus packet streams, so the
// conversion happens here, at finalization, rather than per provider.
func clipFromOpus(packets [][]byte, sampleRate, channels int) (Clip, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return Clip{}, fmt.Errorf("create opus decoder: %w", err)
	}

	var pcm []int16
	for i, pkt := range packets {
		if len(pkt) == 0 {
			continue
		}
		frame, err := dec.Decode(pkt, maxOpusFrameSize, false)
		if err != nil {
			return Clip{}, fmt.Errorf("decode opus packet %d: %w", i, err)
		}
		pcm = append(pcm, frame...)
	}

	raw := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(raw[i*2:i*2+2], uint16(s))
	}

	return Clip{
		Bytes: EncodeWAV(raw, sampleRate, channels),
		MIME:  MIMEWav,
	}, nil
}
