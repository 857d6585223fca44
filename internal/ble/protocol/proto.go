// Package protocol implements the text line protocol spoken with the RC car
// over its single BLE UART characteristic.
//
// Outbound frames are ASCII lines: GO!!, STOP, LAT:<deg>, LONG:<deg>.
// Inbound notifications carry LAT:/LONG: fixes or free-form sensor lines.
package protocol

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// Encoding selects how characteristic values are represented on the transport.
type Encoding string

const (
	// EncodingRaw passes ASCII bytes through unchanged.
	EncodingRaw Encoding = "raw"
	// EncodingBase64 carries values as standard base64 text.
	EncodingBase64 Encoding = "base64"
)

// Outbound command literals.
const (
	GoCommand      = "GO!!"
	StopCommand    = "STOP"
	StopCommandAlt = "STOP!!"
	LatitudeTag    = "LAT"
	LongitudeTag   = "LONG"
)

// Codec converts between command text and characteristic values.
type Codec struct {
	enc Encoding
}

// NewCodec returns a Codec for the given encoding. Unknown encodings are an error.
func NewCodec(enc Encoding) (*Codec, error) {
	switch enc {
	case EncodingRaw, EncodingBase64:
		return &Codec{enc: enc}, nil
	case "":
		return &Codec{enc: EncodingRaw}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown encoding %q", enc)
	}
}

// Encoding reports the codec's transport encoding.
func (c *Codec) Encoding() Encoding {
	return c.enc
}

// EncodeCommand converts command text into a characteristic value.
func (c *Codec) EncodeCommand(text string) []byte {
	if c.enc == EncodingBase64 {
		out := make([]byte, base64.StdEncoding.EncodedLen(len(text)))
		base64.StdEncoding.Encode(out, []byte(text))
		return out
	}
	return []byte(text)
}

// DecodeNotification converts a characteristic value back into text.
func (c *Codec) DecodeNotification(data []byte) (string, error) {
	if c.enc == EncodingBase64 {
		out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(out, data)
		if err != nil {
			return "", fmt.Errorf("protocol: decode base64: %w", err)
		}
		return string(out[:n]), nil
	}
	return string(data), nil
}

// Framer builds outbound command frames.
type Framer struct {
	stop string
}

// NewFramer returns a Framer using stop as the STOP literal.
// An empty stop selects StopCommand.
func NewFramer(stop string) (*Framer, error) {
	switch stop {
	case "":
		stop = StopCommand
	case StopCommand, StopCommandAlt:
	default:
		return nil, fmt.Errorf("protocol: stop command must be %q or %q, got %q", StopCommand, StopCommandAlt, stop)
	}
	return &Framer{stop: stop}, nil
}

// Go returns the GO frame.
func (f *Framer) Go() string {
	return GoCommand + "\n"
}

// Stop returns the STOP frame.
func (f *Framer) Stop() string {
	return f.stop + "\n"
}

// Latitude returns a LAT frame with six decimal places.
func (f *Framer) Latitude(v float64) string {
	return LatitudeTag + ":" + strconv.FormatFloat(v, 'f', 6, 64) + "\n"
}

// Longitude returns a LONG frame with six decimal places.
func (f *Framer) Longitude(v float64) string {
	return LongitudeTag + ":" + strconv.FormatFloat(v, 'f', 6, 64) + "\n"
}
