package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// AudioFormat is a container/codec accepted by the transcription API.
type AudioFormat string

const (
	FormatWAV  AudioFormat = "wav"
	FormatMP3  AudioFormat = "mp3"
	FormatWEBM AudioFormat = "webm"
	FormatOGG  AudioFormat = "ogg"
	FormatM4A  AudioFormat = "m4a"
	FormatFLAC AudioFormat = "flac"
	FormatMPEG AudioFormat = "mpeg"
)

// ParseAudioFormat accepts a format name, extension or audio/* MIME type.
func ParseAudioFormat(value string) (AudioFormat, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.TrimPrefix(v, ".")
	v = strings.TrimPrefix(v, "audio/")
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	switch v {
	case "wav", "x-wav", "wave":
		return FormatWAV, nil
	case "mp3":
		return FormatMP3, nil
	case "webm":
		return FormatWEBM, nil
	case "ogg":
		return FormatOGG, nil
	case "m4a", "mp4", "x-m4a":
		return FormatM4A, nil
	case "flac":
		return FormatFLAC, nil
	case "mpeg", "mpga":
		return FormatMPEG, nil
	}
	return "", fmt.Errorf("voice: unsupported audio format %q", value)
}

// Audio is an encoded audio clip.
type Audio struct {
	Data   []byte
	Format AudioFormat
}

// DecodeBase64 builds Audio from a base64 string, with or without a data: URL prefix.
func DecodeBase64(encoded string, format AudioFormat) (Audio, error) {
	if i := strings.Index(encoded, ";base64,"); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return Audio{}, fmt.Errorf("voice: decode audio: %w", err)
	}
	if len(data) == 0 {
		return Audio{}, fmt.Errorf("voice: empty audio")
	}
	return Audio{Data: data, Format: format}, nil
}

// Filename returns a name the transcription API accepts for the format.
func (a Audio) Filename() string {
	format := a.Format
	if format == "" {
		format = FormatWAV
	}
	return "audio." + string(format)
}

// Domain selects vocabulary for transcription.
type Domain string

const (
	DomainGeneral Domain = "general"
	DomainMedical Domain = "medical"
)

// DomainHint biases transcription toward a vocabulary.
type DomainHint struct {
	Domain    Domain `json:"domain"`
	Specialty string `json:"specialty,omitempty"`
}

// TranscriptionRequest is the input of a speech-to-text call.
type TranscriptionRequest struct {
	Audio    Audio
	Hint     DomainHint
	Language string
}

// Transcript is a speech-to-text result.
type Transcript struct {
	Text     string        `json:"text"`
	Language string        `json:"language,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}
