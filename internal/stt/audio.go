package stt

import (
	"encoding/binary"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// fallbackBytesPerSecond assumes 128 kbps when the container is not WAV.
const fallbackBytesPerSecond = 16000

// EstimateDuration returns the audio length in seconds: exact for PCM WAV,
// estimated from size otherwise. Unreadable files yield 0.
func EstimateDuration(path string) float64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return 0
	}
	if info, ok := readWAVHeader(f); ok && info.byteRate > 0 {
		return float64(info.dataLen) / float64(info.byteRate)
	}
	return float64(st.Size()) / fallbackBytesPerSecond
}

type wavInfo struct {
	sampleRate uint32
	byteRate   uint32
	dataLen    uint32
}

func readWAVHeader(r io.Reader) (wavInfo, bool) {
	hdr := make([]byte, 44)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return wavInfo{}, false
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return wavInfo{}, false
	}
	return wavInfo{
		sampleRate: binary.LittleEndian.Uint32(hdr[24:28]),
		byteRate:   binary.LittleEndian.Uint32(hdr[28:32]),
		dataLen:    binary.LittleEndian.Uint32(hdr[40:44]),
	}, true
}

// contentType returns the MIME type for an audio file extension.
func contentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	case ".webm":
		return "audio/webm"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
