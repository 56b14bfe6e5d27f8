package stage

import (
	"fmt"
	"strings"
)

type (
	// Media is the kind of data carried by a port.
	Media int

	// SampleFormat is the representation of raw samples.
	SampleFormat int

	// Encoding is the name of audio encoding, as used in RTP maps.
	Encoding string
)

// Media types. Zero value matches any media.
const (
	AnyMedia Media = iota
	Raw
	Encoded
	RTP
)

// Sample formats. Zero value matches any format.
const (
	AnySampleFormat SampleFormat = iota
	S16
	F32
)

// Encodings supported by codec stages.
const (
	AnyEncoding Encoding = ""
	L16         Encoding = "L16"
	G722        Encoding = "G722"
	OPUS        Encoding = "OPUS"
)

func (m Media) String() string {
	switch m {
	case AnyMedia:
		return "any"
	case Raw:
		return "audio/x-raw"
	case Encoded:
		return "audio/encoded"
	case RTP:
		return "application/x-rtp"
	}
	return fmt.Sprintf("media(%d)", int(m))
}

func (f SampleFormat) String() string {
	switch f {
	case AnySampleFormat:
		return "any"
	case S16:
		return "S16LE"
	case F32:
		return "F32LE"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// ParseSampleFormat returns sample format by its name.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch strings.ToUpper(s) {
	case "S16", "S16LE":
		return S16, nil
	case "F32", "F32LE":
		return F32, nil
	}
	return AnySampleFormat, fmt.Errorf("unknown sample format %q", s)
}

// Format describes media flowing through a port. Zero fields are not
// constrained. For encoded and RTP media SampleRate is the clock rate.
type Format struct {
	Media        Media
	SampleRate   int
	Channels     int
	SampleFormat SampleFormat
	Encoding     Encoding
}

// Intersect returns the format which satisfies both f and other. False
// is returned if they cannot be satisfied together.
func (f Format) Intersect(other Format) (Format, bool) {
	var ok bool
	r := Format{}
	if r.Media, ok = intersectMedia(f.Media, other.Media); !ok {
		return Format{}, false
	}
	if r.SampleRate, ok = intersectInt(f.SampleRate, other.SampleRate); !ok {
		return Format{}, false
	}
	if r.Channels, ok = intersectInt(f.Channels, other.Channels); !ok {
		return Format{}, false
	}
	if r.SampleFormat, ok = intersectSampleFormat(f.SampleFormat, other.SampleFormat); !ok {
		return Format{}, false
	}
	if r.Encoding, ok = intersectEncoding(f.Encoding, other.Encoding); !ok {
		return Format{}, false
	}
	return r, true
}

// Fill returns f with unconstrained fields taken from other.
func (f Format) Fill(other Format) Format {
	if f.Media == AnyMedia {
		f.Media = other.Media
	}
	if f.SampleRate == 0 {
		f.SampleRate = other.SampleRate
	}
	if f.Channels == 0 {
		f.Channels = other.Channels
	}
	if f.SampleFormat == AnySampleFormat {
		f.SampleFormat = other.SampleFormat
	}
	if f.Encoding == AnyEncoding {
		f.Encoding = other.Encoding
	}
	return f
}

// Fixed reports if format is completely defined for its media type.
func (f Format) Fixed() bool {
	switch f.Media {
	case Raw:
		return f.SampleRate > 0 && f.Channels > 0 && f.SampleFormat != AnySampleFormat
	case Encoded, RTP:
		return f.SampleRate > 0 && f.Encoding != AnyEncoding
	}
	return false
}

func (f Format) String() string {
	fields := []string{f.Media.String()}
	if f.Encoding != AnyEncoding {
		fields = append(fields, "encoding-name="+string(f.Encoding))
	}
	if f.SampleRate != 0 {
		if f.Media == Raw {
			fields = append(fields, fmt.Sprintf("rate=%d", f.SampleRate))
		} else {
			fields = append(fields, fmt.Sprintf("clock-rate=%d", f.SampleRate))
		}
	}
	if f.Channels != 0 {
		fields = append(fields, fmt.Sprintf("channels=%d", f.Channels))
	}
	if f.SampleFormat != AnySampleFormat {
		fields = append(fields, "format="+f.SampleFormat.String())
	}
	return strings.Join(fields, ",")
}

func intersectMedia(a, b Media) (Media, bool) {
	switch {
	case a == AnyMedia:
		return b, true
	case b == AnyMedia, a == b:
		return a, true
	}
	return AnyMedia, false
}

func intersectInt(a, b int) (int, bool) {
	switch {
	case a == 0:
		return b, true
	case b == 0, a == b:
		return a, true
	}
	return 0, false
}

func intersectSampleFormat(a, b SampleFormat) (SampleFormat, bool) {
	switch {
	case a == AnySampleFormat:
		return b, true
	case b == AnySampleFormat, a == b:
		return a, true
	}
	return AnySampleFormat, false
}

func intersectEncoding(a, b Encoding) (Encoding, bool) {
	switch {
	case a == AnyEncoding:
		return b, true
	case b == AnyEncoding, a == b:
		return a, true
	}
	return AnyEncoding, false
}
