// Package ir converts portable infrared codes into the payload format
// Global Caché hardware expects in a sendir command.
package ir

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

// ErrUnsupportedFormat is returned when a code is not a raw-format portable
// IR code (leading marker token 0, hex duration tokens).
var ErrUnsupportedFormat = errors.New("unsupported IR code format")

// Period-to-frequency conversion constant for raw carrier periods.
const periodFactor = 0.241246

// ConvertRaw converts a raw-format portable IR code into the sendir payload
// "frequency,repeat,offset,d...".
//
// The code is a leading format marker (must decode to 0) followed by
// 4-digit hexadecimal duration tokens separated by spaces or commas. The
// first duration is the carrier period, the second and third are the burst
// sequence lengths; the remaining tokens are emitted decimally in order.
//
// Pure and deterministic; safe for concurrent use.
func ConvertRaw(code string, repeat int) (string, error) {
	if repeat < 1 {
		repeat = 1
	}

	tokens := strings.FieldsFunc(code, func(r rune) bool {
		return r == ' ' || r == ','
	})
	if len(tokens) < 4 {
		return "", ErrUnsupportedFormat
	}

	durations := make([]uint64, len(tokens))
	for i, tok := range tokens {
		v, err := strconv.ParseUint(tok, 16, 32)
		if err != nil {
			return "", ErrUnsupportedFormat
		}
		durations[i] = v
	}

	// tokens[0] is the format marker; only raw (0) is supported.
	if durations[0] != 0 {
		return "", ErrUnsupportedFormat
	}

	period := durations[1]
	if period == 0 {
		return "", ErrUnsupportedFormat
	}
	freq := int(math.Round(1000000 / (float64(period) * periodFactor)))

	// When both burst sequence lengths are present the code has a
	// distinguishable preamble; the repeat offset points past it.
	offset := uint64(1)
	if durations[2] > 0 && durations[3] > 0 {
		offset = durations[2]*2 + 1
	}

	parts := make([]string, 0, len(tokens))
	parts = append(parts,
		strconv.Itoa(freq),
		strconv.Itoa(repeat),
		strconv.FormatUint(offset, 10),
	)
	for _, d := range durations[4:] {
		parts = append(parts, strconv.FormatUint(d, 10))
	}
	return strings.Join(parts, ","), nil
}
