package whisper

import "encoding/binary"

// clippingRatioThreshold is the fraction of samples sitting at full scale
// above which a buffer is considered to be clipping at the source (mic gain
// set too hot, or a compressed upstream codec). Crossing it doesn't change
// the audio sent to whisper.cpp, it only surfaces a warning.
const clippingRatioThreshold = 0.01

// pcmToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to the range [-1.0, 1.0]. The input length must be
// even (two bytes per sample); any trailing odd byte is silently ignored.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// pcmToFloat32Mono down-mixes multi-channel 16-bit PCM to mono float32 by
// averaging all channels per frame. If channels is 1 this is equivalent to
// pcmToFloat32.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels <= 1 {
		return pcmToFloat32(pcm)
	}
	samplesPerChannel := len(pcm) / (2 * channels)
	mono := make([]float32, samplesPerChannel)
	for i := range samplesPerChannel {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sample := int16(binary.LittleEndian.Uint16(pcm[idx : idx+2]))
			sum += float32(sample) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// clipRatio reports the fraction of samples in buf whose magnitude has
// reached (or exceeds, from accumulated rounding) full scale. A ratio above
// clippingRatioThreshold indicates the source signal was too hot for the
// 16-bit range before it ever reached this buffer; nothing downstream can
// recover the lost peaks.
func clipRatio(buf []float32) float64 {
	if len(buf) == 0 {
		return 0
	}
	var clipped int
	for _, s := range buf {
		if s >= 0.999 || s <= -0.999 {
			clipped++
		}
	}
	return float64(clipped) / float64(len(buf))
}
