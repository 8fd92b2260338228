// Package segment splits accumulated text into complete sentences.
package segment

import (
	"unicode"
	"unicode/utf8"

	"github.com/rivo/uniseg"
)

// DefaultDelimiters are the sentence-ending runes used by Delimiter when none are configured.
const DefaultDelimiters = "。！？.!?；;…"

// Segmenter splits text into complete sentences and an unconsumed remainder.
//
// The last segment found in the text is always returned as the remainder, even if it
// ends with sentence punctuation, because more text may still extend it. Text with a
// single segment therefore yields no sentences.
type Segmenter interface {
	Segment(text string) (sentences []string, remainder string)
}

// Unicode finds sentence boundaries with the Unicode text segmentation rules (UAX #29).
type Unicode struct{}

// NewUnicode returns a Segmenter backed by UAX #29 sentence boundaries.
func NewUnicode() Unicode {
	return Unicode{}
}

func (Unicode) Segment(text string) ([]string, string) {
	var segments []string
	state := -1
	rest := text
	for len(rest) > 0 {
		var sentence string
		sentence, rest, state = uniseg.FirstSentenceInString(rest, state)
		segments = append(segments, sentence)
	}
	return split(segments, text)
}

// Delimiter ends a sentence after any run of the configured delimiter runes.
// Whitespace following the delimiters stays with the sentence it closes.
type Delimiter struct {
	delims map[rune]bool
}

// NewDelimiter builds a Delimiter from a set of runes. An empty set uses DefaultDelimiters.
func NewDelimiter(delimiters string) *Delimiter {
	if delimiters == "" {
		delimiters = DefaultDelimiters
	}
	d := &Delimiter{delims: make(map[rune]bool)}
	for _, r := range delimiters {
		if !unicode.IsSpace(r) {
			d.delims[r] = true
		}
	}
	return d
}

func (d *Delimiter) Segment(text string) ([]string, string) {
	var segments []string
	start := 0
	inDelims := false
	prev := rune(-1)
	for i, r := range text {
		isDecimal := r == '.' && unicode.IsDigit(prev) && startsWithDigit(text[i+1:])
		prev = r
		switch {
		case d.delims[r] && !isDecimal:
			inDelims = true
		case inDelims && unicode.IsSpace(r):
			// trailing whitespace belongs to the sentence just closed
		case inDelims:
			segments = append(segments, text[start:i])
			start = i
			inDelims = false
		}
	}
	if start < len(text) {
		segments = append(segments, text[start:])
	}
	return split(segments, text)
}

func startsWithDigit(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsDigit(r)
}

func split(segments []string, text string) ([]string, string) {
	if len(segments) <= 1 {
		return nil, text
	}
	last := len(segments) - 1
	return segments[:last], segments[last]
}
