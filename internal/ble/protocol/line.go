package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultDelimiters are the token separators accepted in inbound lines.
const DefaultDelimiters = ":,\n"

// ErrMalformed marks an inbound line that could not be parsed.
var ErrMalformed = errors.New("malformed telemetry")

// Tag identifies what an inbound line carries.
type Tag int

const (
	TagSensor Tag = iota
	TagLatitude
	TagLongitude
)

func (t Tag) String() string {
	switch t {
	case TagLatitude:
		return "latitude"
	case TagLongitude:
		return "longitude"
	default:
		return "sensor"
	}
}

// TaggedValue is a parsed inbound line.
type TaggedValue struct {
	Tag   Tag
	Value float64 // set for TagLatitude and TagLongitude
	Raw   string  // the original line, without its terminator
}

// Parser splits inbound lines into tagged values.
type Parser struct {
	delims string
}

// NewParser returns a Parser splitting on any byte in delims.
// An empty delims selects DefaultDelimiters.
func NewParser(delims string) *Parser {
	if delims == "" {
		delims = DefaultDelimiters
	}
	return &Parser{delims: delims}
}

// ParseLine parses one inbound line. Lines whose first token is LAT or LONG
// must carry a finite, in-range coordinate; every other non-empty line is
// returned whole as a sensor reading.
func (p *Parser) ParseLine(line string) (TaggedValue, error) {
	raw := strings.TrimRight(line, "\r\n")
	tokens := p.tokens(raw)
	if len(tokens) == 0 {
		return TaggedValue{}, fmt.Errorf("protocol: empty line: %w", ErrMalformed)
	}

	var (
		tag   Tag
		limit float64
	)
	switch tokens[0] {
	case LatitudeTag:
		tag, limit = TagLatitude, 90
	case LongitudeTag:
		tag, limit = TagLongitude, 180
	default:
		return TaggedValue{Tag: TagSensor, Raw: raw}, nil
	}

	if len(tokens) < 2 {
		return TaggedValue{}, fmt.Errorf("protocol: %s line %q has no value: %w", tokens[0], raw, ErrMalformed)
	}
	v, err := strconv.ParseFloat(tokens[1], 64)
	if err != nil {
		return TaggedValue{}, fmt.Errorf("protocol: %s value %q: %w", tokens[0], tokens[1], ErrMalformed)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > limit {
		return TaggedValue{}, fmt.Errorf("protocol: %s value %v out of range: %w", tokens[0], v, ErrMalformed)
	}
	return TaggedValue{Tag: tag, Value: v, Raw: raw}, nil
}

// tokens splits s on the parser's delimiters, collapsing runs and dropping
// blank tokens.
func (p *Parser) tokens(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(p.delims, r)
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// SplitLines splits a decoded notification into its non-blank lines.
func SplitLines(payload string) []string {
	var lines []string
	for _, l := range strings.Split(payload, "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, l)
	}
	return lines
}
