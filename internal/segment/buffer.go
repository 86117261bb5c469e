// Package segment splits a live LLM text stream into push-units: spans that
// end at clause punctuation and are long enough to be worth synthesizing on
// their own.
//
// Fragments are joined verbatim, so the ordered concatenation of every
// emitted unit reproduces the input exactly.
package segment

import (
	"strings"
	"unicode/utf8"
)

// DefaultDelimiters are the Western and CJK clause terminators
const DefaultDelimiters = ",.!;:，。！？：；"

// Options configures a Buffer
type Options struct {
	WordsPerChunk int    // Fragments grouped before scanning (default: 5)
	MinChars      int    // A span flushes only when strictly longer than this (default: 10)
	Delimiters    string // Characters that may end a span (default: DefaultDelimiters)
}

// DefaultOptions returns the production segmentation settings
func DefaultOptions() Options {
	return Options{
		WordsPerChunk: 5,
		MinChars:      10,
		Delimiters:    DefaultDelimiters,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.WordsPerChunk <= 0 {
		o.WordsPerChunk = d.WordsPerChunk
	}
	if o.MinChars < 0 {
		o.MinChars = d.MinChars
	}
	if o.Delimiters == "" {
		o.Delimiters = d.Delimiters
	}
	return o
}

// PushUnit is one span forwarded to the synthesis backend
type PushUnit struct {
	Index int    `json:"index"`
	Text  string `json:"text"`  // Raw span, surrounding whitespace kept
	Final bool   `json:"final"` // Set on the end-of-stream remainder
}

// Speech returns the text with surrounding whitespace removed
func (u PushUnit) Speech() string {
	return strings.TrimSpace(u.Text)
}

// Buffer accumulates fragments and cuts push-units. It is not safe for
// concurrent use; one Buffer serves one stream.
type Buffer struct {
	opts    Options
	chunk   []string        // fragments of the micro-chunk being filled
	pending strings.Builder // scanned text not yet flushed
	index   int
	closed  bool
}

// NewBuffer creates a Buffer. A non-positive WordsPerChunk, a negative
// MinChars and empty Delimiters take their defaults.
func NewBuffer(opts Options) *Buffer {
	return &Buffer{opts: opts.withDefaults()}
}

// Feed appends one fragment and returns any push-units it completed
func (b *Buffer) Feed(fragment string) []PushUnit {
	if b.closed {
		return nil
	}
	b.chunk = append(b.chunk, fragment)
	if len(b.chunk) < b.opts.WordsPerChunk {
		return nil
	}
	return b.scan()
}

// Close scans the partial micro-chunk and returns the remainder as the final
// unit. ok is false when nothing was left over.
func (b *Buffer) Close() ([]PushUnit, bool) {
	if b.closed {
		return nil, false
	}
	units := b.scan()
	b.closed = true

	if b.pending.Len() == 0 {
		return units, false
	}
	units = append(units, b.cut(true))
	return units, true
}

// Pending returns the text held back so far, including the unscanned chunk
func (b *Buffer) Pending() string {
	return b.pending.String() + strings.Join(b.chunk, "")
}

// Emitted returns the number of push-units cut so far
func (b *Buffer) Emitted() int {
	return b.index
}

func (b *Buffer) scan() []PushUnit {
	if len(b.chunk) == 0 {
		return nil
	}
	msg := strings.Join(b.chunk, "")
	b.chunk = b.chunk[:0]

	var units []PushUnit
	last := 0
	for i, r := range msg {
		if !strings.ContainsRune(b.opts.Delimiters, r) {
			continue
		}
		end := i + utf8.RuneLen(r)
		b.pending.WriteString(msg[last:end])
		last = end
		if utf8.RuneCountInString(b.pending.String()) > b.opts.MinChars {
			units = append(units, b.cut(false))
		}
	}
	b.pending.WriteString(msg[last:])
	return units
}

func (b *Buffer) cut(final bool) PushUnit {
	u := PushUnit{Index: b.index, Text: b.pending.String(), Final: final}
	b.index++
	b.pending.Reset()
	return u
}

// Words splits finished text into fragments the way an LLM stream delivers
// them: each fragment keeps its leading whitespace.
func Words(text string) []string {
	var words []string
	start := 0
	inWord := false
	for i, r := range text {
		space := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if space && inWord {
			words = append(words, text[start:i])
			start = i
			inWord = false
			continue
		}
		if !space {
			inWord = true
		}
	}
	if start < len(text) {
		words = append(words, text[start:])
	}
	return words
}

// Split runs text through a Buffer and returns every push-unit
func Split(text string, opts Options) []PushUnit {
	b := NewBuffer(opts)
	var units []PushUnit
	for _, w := range Words(text) {
		units = append(units, b.Feed(w)...)
	}
	rest, _ := b.Close()
	return append(units, rest...)
}
