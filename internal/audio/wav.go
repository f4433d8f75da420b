package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// EncodeWAV wraps a PCM16LE buffer in a WAV container.
func EncodeWAV(b Buffer) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVTo(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVFile writes a PCM16LE buffer as a WAV file.
func WriteWAVFile(path string, b Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteWAVTo(f, b)
}

// WriteWAVTo writes a PCM16LE buffer to out as a WAV stream.
func WriteWAVTo(out io.Writer, b Buffer) error {
	const bitsPerSample = 16
	const audioFormat = 1 // PCM
	rate := b.Rate
	if rate <= 0 {
		rate = 8000
	}
	channels := b.Channels
	if channels <= 0 {
		channels = 1
	}

	dataSize := uint32(len(b.Data))
	byteRate := uint32(rate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(audioFormat)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(channels)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(rate)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, byteRate); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, blockAlign); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(bitsPerSample)); err != nil {
		return err
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(b.Data); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAV parses a PCM16LE WAV stream into a Buffer. Chunks other than
// "fmt " and "data" are skipped.
func DecodeWAV(raw []byte) (Buffer, error) {
	if len(raw) < 44 {
		return Buffer{}, fmt.Errorf("%w: wav header truncated", ErrUnsupportedFormat)
	}
	if string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return Buffer{}, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrUnsupportedFormat)
	}

	var (
		b        Buffer
		gotFmt   bool
		gotData  bool
		pos      = 12
		fmtCode  uint16
		bitDepth uint16
	)
	for pos+8 <= len(raw) {
		id := string(raw[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(raw[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(raw) {
			return Buffer{}, fmt.Errorf("%w: chunk %q overruns stream", ErrUnsupportedFormat, id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Buffer{}, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedFormat)
			}
			fmtCode = binary.LittleEndian.Uint16(raw[body : body+2])
			b.Channels = int(binary.LittleEndian.Uint16(raw[body+2 : body+4]))
			b.Rate = int(binary.LittleEndian.Uint32(raw[body+4 : body+8]))
			bitDepth = binary.LittleEndian.Uint16(raw[body+14 : body+16])
			gotFmt = true
		case "data":
			b.Data = append([]byte(nil), raw[body:body+size]...)
			gotData = true
		}
		// Chunks are word-aligned.
		pos = body + size + size%2
	}

	if !gotFmt || !gotData {
		return Buffer{}, fmt.Errorf("%w: missing fmt or data chunk", ErrUnsupportedFormat)
	}
	if fmtCode != 1 || bitDepth != 16 {
		return Buffer{}, fmt.Errorf("%w: want PCM16, got format=%d bits=%d", ErrUnsupportedFormat, fmtCode, bitDepth)
	}
	if b.Channels != 1 {
		return Buffer{}, fmt.Errorf("%w: want mono, got %d channels", ErrUnsupportedFormat, b.Channels)
	}
	return b, nil
}
