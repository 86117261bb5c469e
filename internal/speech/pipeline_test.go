package speech

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/avatar-gateway/internal/fault"
	"github.com/lexiqai/avatar-gateway/internal/llm"
	"github.com/lexiqai/avatar-gateway/internal/segment"
	"github.com/lexiqai/avatar-gateway/internal/switcher"
	"github.com/lexiqai/avatar-gateway/internal/tts"
)

type fakeSource struct {
	text string
	err  error
}

func (s fakeSource) Stream(ctx context.Context, prompt llm.Prompt) (<-chan string, <-chan error) {
	out := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(out)
		for _, w := range segment.Words(s.text) {
			select {
			case out <- w:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if s.err != nil {
			errc <- s.err
		}
	}()
	return out, errc
}

type fakeSynth struct {
	mu     sync.Mutex
	calls  []tts.Request
	ports  []int
	failAt int // 1-based call number that fails; 0 never fails
}

func (s *fakeSynth) Generate(ctx context.Context, port int, req tts.Request) (*tts.Audio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	s.ports = append(s.ports, port)
	if s.failAt > 0 && len(s.calls) == s.failAt {
		return nil, fault.Newf(fault.KindUpstream, "tts.generate", "tts status 500 on port %d", port)
	}
	return &tts.Audio{Data: []byte(req.Text), ContentType: "audio/wav"}, nil
}

type fixedSession switcher.Session

func (s fixedSession) Session() switcher.Session {
	return switcher.Session(s)
}

var ready = fixedSession{
	AvatarID: "alice",
	Model:    "edge",
	Port:     8604,
	Voice:    "zh-CN-XiaoyiNeural",
	RefFile:  "ref_audio/complete_silence.wav",
	State:    switcher.StateReady,
}

func TestRun_OrderedChunks(t *testing.T) {
	text := "Hello, world. This is fine"
	synth := &fakeSynth{}
	p := New(fakeSource{text: text}, synth, ready, segment.DefaultOptions())

	var chunks []Chunk
	snap, err := p.Run(context.Background(), llm.Prompt{Input: "hi"}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "Hello, world.", chunks[0].Text)
	assert.Equal(t, "Hello, world.", string(chunks[0].Audio.Data))
	assert.Equal(t, "This is fine", strings.TrimSpace(chunks[1].Text))
	assert.True(t, chunks[1].Final)

	var joined strings.Builder
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		joined.WriteString(c.Text)
	}
	assert.Equal(t, text, joined.String())

	assert.Equal(t, 2, snap.Units)
	assert.False(t, snap.FirstUnitAt.IsZero())
	assert.False(t, snap.CompletedAt.IsZero())
}

func TestRun_UsesSessionBinding(t *testing.T) {
	synth := &fakeSynth{}
	p := New(fakeSource{text: "Good morning, everyone here."}, synth, ready, segment.DefaultOptions())

	_, err := p.Run(context.Background(), llm.Prompt{Input: "hi"}, func(Chunk) error { return nil })
	require.NoError(t, err)

	require.NotEmpty(t, synth.calls)
	for i, req := range synth.calls {
		assert.Equal(t, 8604, synth.ports[i])
		assert.Equal(t, "zh-CN-XiaoyiNeural", req.Voice)
		assert.Equal(t, "ref_audio/complete_silence.wav", req.RefAudio)
		assert.Equal(t, strings.TrimSpace(req.Text), req.Text)
	}
}

func TestRun_SynthesisFailureNamesUnit(t *testing.T) {
	synth := &fakeSynth{failAt: 2}
	text := "First sentence is here. Second sentence is here. Third sentence is here."
	p := New(fakeSource{text: text}, synth, ready, segment.DefaultOptions())

	var emitted []int
	_, err := p.Run(context.Background(), llm.Prompt{Input: "hi"}, func(c Chunk) error {
		emitted = append(emitted, c.Index)
		return nil
	})
	require.Error(t, err)

	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.KindUpstream, fe.Kind)
	assert.Equal(t, "alice", fe.AvatarID)
	assert.Equal(t, 8604, fe.Port)
	assert.Contains(t, err.Error(), "unit 1")

	assert.Equal(t, []int{0}, emitted, "nothing after the failed unit is emitted")
}

func TestRun_EmitErrorStops(t *testing.T) {
	synth := &fakeSynth{}
	text := "First sentence is here. Second sentence is here. Third sentence is here."
	p := New(fakeSource{text: text}, synth, ready, segment.DefaultOptions())

	gone := errors.New("client went away")
	_, err := p.Run(context.Background(), llm.Prompt{Input: "hi"}, func(c Chunk) error {
		return gone
	})
	assert.ErrorIs(t, err, gone)
	assert.Len(t, synth.calls, 1)
}

func TestRun_SourceError(t *testing.T) {
	upstream := fault.Newf(fault.KindUpstream, "llm.stream", "model overloaded")
	synth := &fakeSynth{}
	p := New(fakeSource{
		text: "First sentence is here. Second sentence is here, and then",
		err:  upstream,
	}, synth, ready, segment.Options{WordsPerChunk: 1, MinChars: 10})

	var chunks []Chunk
	_, err := p.Run(context.Background(), llm.Prompt{Input: "hi"}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	assert.True(t, fault.Is(err, fault.KindUpstream))

	// Complete units before the failure are spoken; the cut-off tail is not
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.False(t, c.Final)
	}
	require.Len(t, synth.calls, 2)
	assert.Equal(t, "Second sentence is here,", synth.calls[1].Text)
}

func TestRun_NoActiveAvatar(t *testing.T) {
	synth := &fakeSynth{}
	p := New(fakeSource{text: "hello"}, synth, fixedSession{}, segment.DefaultOptions())

	_, err := p.Run(context.Background(), llm.Prompt{Input: "hi"}, func(Chunk) error { return nil })
	assert.True(t, fault.Is(err, fault.KindNotFound))
	assert.Empty(t, synth.calls)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(fakeSource{text: "Some words that will never be spoken, at all."}, &fakeSynth{}, ready, segment.DefaultOptions())
	_, err := p.Run(ctx, llm.Prompt{Input: "hi"}, func(Chunk) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
