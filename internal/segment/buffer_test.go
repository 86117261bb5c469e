package segment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func texts(units []PushUnit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.Text
	}
	return out
}

func TestSplit_HelloWorld(t *testing.T) {
	units := Split("Hello, world. This is fine", DefaultOptions())

	require.Len(t, units, 2)
	assert.Equal(t, "Hello, world.", units[0].Text)
	assert.False(t, units[0].Final)
	assert.Equal(t, "This is fine", units[1].Speech())
	assert.True(t, units[1].Final)
	assert.Equal(t, 0, units[0].Index)
	assert.Equal(t, 1, units[1].Index)
}

func TestSplit_ThresholdBoundary(t *testing.T) {
	opts := Options{WordsPerChunk: 1, MinChars: 10}

	// Exactly ten characters up to the delimiter: held back
	b := NewBuffer(opts)
	assert.Empty(t, b.Feed("abcdefghi,"))
	assert.Equal(t, "abcdefghi,", b.Pending())

	// Eleven characters: flushed
	b = NewBuffer(opts)
	units := b.Feed("abcdefghij,")
	require.Len(t, units, 1)
	assert.Equal(t, "abcdefghij,", units[0].Text)
	assert.Empty(t, b.Pending())
}

func TestSplit_ShortSpanCarriesOver(t *testing.T) {
	units := Split("Hi, there friend, how are you.", DefaultOptions())

	// "Hi," alone is too short, so it merges with the next clause
	require.NotEmpty(t, units)
	assert.Equal(t, "Hi, there friend,", units[0].Text)
}

func TestSplit_MicroChunkBoundary(t *testing.T) {
	b := NewBuffer(Options{WordsPerChunk: 5, MinChars: 4})

	for _, w := range []string{"one.", " two.", " three.", " four."} {
		assert.Empty(t, b.Feed(w), "nothing is scanned before the chunk is full")
	}
	units := b.Feed(" five.")
	assert.Equal(t, []string{"one. two.", " three.", " four.", " five."}, texts(units))
}

func TestSplit_CJK(t *testing.T) {
	text := "你好，欢迎来到这里。今天天气很好！我们开始吧"
	opts := Options{WordsPerChunk: 1, MinChars: 5}

	b := NewBuffer(opts)
	units := b.Feed(text)
	rest, ok := b.Close()
	require.True(t, ok)
	units = append(units, rest...)

	// "你好，" is 3 runes, below the threshold, so it joins the next clause
	assert.Equal(t, []string{"你好，欢迎来到这里。", "今天天气很好！", "我们开始吧"}, texts(units))
}

func TestSplit_Lossless(t *testing.T) {
	inputs := []string{
		"",
		"no delimiters at all in this sentence",
		"Hello, world. This is fine",
		"ends mid sentence, with a trailing",
		"   leading and trailing spaces.   ",
		"a,b.c!d;e:f",
		"multi\nline\ttext, with. odd  spacing!",
		"混合 text，带有中文标点。and more!",
		"Short. Short. Short. Short. Short. Short. Short.",
	}

	for _, in := range inputs {
		for _, opts := range []Options{DefaultOptions(), {WordsPerChunk: 1, MinChars: 0}, {WordsPerChunk: 3, MinChars: 20}} {
			units := Split(in, opts)
			assert.Equal(t, in, strings.Join(texts(units), ""), "input %q opts %+v", in, opts)
			for i, u := range units {
				assert.Equal(t, i, u.Index)
			}
		}
	}
}

func TestSplit_Empty(t *testing.T) {
	b := NewBuffer(DefaultOptions())
	units, ok := b.Close()
	assert.False(t, ok)
	assert.Empty(t, units)
}

func TestBuffer_FeedAfterClose(t *testing.T) {
	b := NewBuffer(DefaultOptions())
	b.Feed("text")
	_, ok := b.Close()
	require.True(t, ok)

	assert.Nil(t, b.Feed("more, words, here, now, yes."))
	_, ok = b.Close()
	assert.False(t, ok)
	assert.Equal(t, 1, b.Emitted())
}

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"Hello,", " world."}, Words("Hello, world."))
	assert.Equal(t, []string{"  lead"}, Words("  lead"))
	assert.Equal(t, []string{"trail", "  "}, Words("trail  "))
	assert.Equal(t, []string{"a", "\n\tb"}, Words("a\n\tb"))
	assert.Empty(t, Words(""))
}

func TestOptions_Defaults(t *testing.T) {
	b := NewBuffer(Options{MinChars: -1})
	assert.Equal(t, 5, b.opts.WordsPerChunk)
	assert.Equal(t, 10, b.opts.MinChars)
	assert.Equal(t, DefaultDelimiters, b.opts.Delimiters)

	// Zero is a valid threshold: every delimiter flushes
	b = NewBuffer(Options{})
	assert.Equal(t, 0, b.opts.MinChars)
}
