package audio

import (
	"encoding/binary"
	"math"
)

const (
	SourceSampleRate = 44100
	TargetSampleRate = 16000

	wavHeaderSize = 44
)

// Resample converts between sample rates by averaging each block of source samples
// that maps onto one output sample. It is a decimator, not a band-limited resampler:
// content above the target Nyquist frequency aliases, and upsampling leaves gaps of
// silence. The stream service expects exactly this output, so it is kept as is.
func Resample(input []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return input
	}

	ratio := float64(fromRate) / float64(toRate)
	outputLen := int(math.Round(float64(len(input)) / ratio))
	output := make([]float32, outputLen)

	resampleCore(output, input, ratio)
	return output
}

func resampleCore(output, input []float32, ratio float64) {
	offset := 0
	for i := range output {
		next := int(math.Round(float64(i+1) * ratio))

		var accum float64
		count := 0
		for j := offset; j < next && j < len(input); j++ {
			accum += float64(input[j])
			count++
		}
		if count > 0 {
			output[i] = float32(accum / float64(count))
		}
		offset = next
	}
}

// EncodePCM16 clamps samples to [-1, 1] and writes them as signed 16-bit
// little-endian PCM. Negative samples scale by 32768, the rest by 32767.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	putPCM16(out, samples)
	return out
}

func putPCM16(dst []byte, samples []float32) {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(floatToInt16(s)))
	}
}

func floatToInt16(s float32) int16 {
	if s > 1.0 {
		s = 1.0
	} else if s < -1.0 {
		s = -1.0
	}
	if s < 0 {
		return int16(s * 32768.0)
	}
	return int16(s * 32767.0)
}

// WrapWAV emits a mono 16-bit RIFF/WAVE file declaring sampleRate.
func WrapWAV(samples []float32, sampleRate int) []byte {
	dataLen := len(samples) * 2
	buf := make([]byte, wavHeaderSize+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	putPCM16(buf[wavHeaderSize:], samples)
	return buf
}

// ExportWAV downsamples a full recording to the stream rate and wraps it as WAV.
func ExportWAV(recording []float32, sourceRate int) []byte {
	return WrapWAV(Resample(recording, sourceRate, TargetSampleRate), TargetSampleRate)
}

// DecodeFloat32LE reads little-endian IEEE-754 float32 samples. A trailing partial
// sample is ignored.
func DecodeFloat32LE(b []byte) []float32 {
	samples := make([]float32, len(b)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return samples
}

func PCMBytesToInt16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

func Int16ToFloat32(samples []int16) []float32 {
	result := make([]float32, len(samples))
	for i, s := range samples {
		result[i] = float32(s) / 32768.0
	}
	return result
}
