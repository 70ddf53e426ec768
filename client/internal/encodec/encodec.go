// Package encodec wraps Opus encoding and decoding behind small interfaces
// so the capture path and jitter-buffer pipelines can be exercised without a
// real libopus binding in tests.
package encodec

import "gopkg.in/hraban/opus.v2"

// FrameSamples48k is the number of samples in one 20ms mono frame at 48kHz.
// Other supported encoder rates scale proportionally (480 @ 24kHz, 320 @
// 16kHz); see SamplesPerFrame.
const FrameSamples48k = 960

// MaxPacketBytes is RFC 6716's maximum Opus packet size.
const MaxPacketBytes = 1275

// SamplesPerFrame returns samples-per-20ms-frame for one of the three
// supported encoder rates.
func SamplesPerFrame(sampleRate int) int {
	return sampleRate / 50
}

// Encoder abstracts Opus encoding.
type Encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
	SetBitrate(bitrate int) error
	SetDTX(dtx bool) error
	SetInBandFEC(fec bool) error
	SetPacketLossPerc(lossPerc int) error
}

// Decoder abstracts Opus decoding, including packet-loss concealment.
type Decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
	DecodeFEC(data []byte, pcm []int16) error
}

// NewEncoder constructs a real libopus encoder for VoIP at sampleRate, mono.
func NewEncoder(sampleRate, bitrate int) (Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return nil, err
	}
	if err := enc.SetInBandFEC(true); err != nil {
		return nil, err
	}
	return enc, nil
}

// NewDecoder constructs a real libopus decoder for sampleRate, mono.
func NewDecoder(sampleRate int) (Decoder, error) {
	return opus.NewDecoder(sampleRate, 1)
}
