// Package speech turns an LLM reply into ordered synthesized audio for the
// active avatar.
package speech

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-gateway/internal/fault"
	"github.com/lexiqai/avatar-gateway/internal/llm"
	"github.com/lexiqai/avatar-gateway/internal/observability"
	"github.com/lexiqai/avatar-gateway/internal/segment"
	"github.com/lexiqai/avatar-gateway/internal/switcher"
	"github.com/lexiqai/avatar-gateway/internal/tts"
)

// Sessions exposes the committed avatar binding
type Sessions interface {
	Session() switcher.Session
}

// Chunk is one spoken push-unit
type Chunk struct {
	Index int        `json:"index"`
	Text  string     `json:"text"`
	Audio *tts.Audio `json:"-"`
	Final bool       `json:"final"`
}

// EmitFunc receives chunks in push-unit order. Returning an error ends the run.
type EmitFunc func(Chunk) error

// Pipeline connects an LLM source, the segmenter and a synthesizer
type Pipeline struct {
	source   llm.Source
	synth    tts.Synthesizer
	sessions Sessions
	opts     segment.Options
	logger   zerolog.Logger
}

// New creates a Pipeline
func New(source llm.Source, synth tts.Synthesizer, sessions Sessions, opts segment.Options) *Pipeline {
	return &Pipeline{
		source:   source,
		synth:    synth,
		sessions: sessions,
		opts:     opts,
		logger:   observability.Component("speech"),
	}
}

// Run streams the reply to prompt through the active avatar's synthesis
// backend. emit is called once per push-unit, strictly in order, from the
// calling goroutine. The returned snapshot covers every unit that was
// segmented, including a unit whose synthesis failed.
func (p *Pipeline) Run(ctx context.Context, prompt llm.Prompt, emit EmitFunc) (segment.StatsSnapshot, error) {
	sess := p.sessions.Session()
	if !sess.Serving() {
		return segment.StatsSnapshot{}, fault.Newf(fault.KindNotFound, "speech.run", "no active avatar").
			WithAvatar(sess.AvatarID)
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := p.logger.With().
		Str("avatar_id", sess.AvatarID).
		Str("model", sess.Model).
		Int("port", sess.Port).
		Str("session_id", prompt.SessionID).
		Logger()
	start := time.Now()

	fragments, errc := p.source.Stream(ctx, prompt)

	// Sources report their outcome before closing fragments, so the
	// segmenter can learn whether the last partial unit is worth speaking
	var srcErr error
	srcDone := false
	clean := func() bool {
		srcErr = <-errc
		srcDone = true
		return srcErr == nil
	}
	units, stats := segment.StreamUntil(ctx, fragments, clean, p.opts)

	runErr := func() error {
		for u := range units {
			chunk := Chunk{Index: u.Index, Text: u.Text, Final: u.Final}
			if text := u.Speech(); text != "" {
				audio, err := p.synth.Generate(ctx, sess.Port, tts.Request{
					Text:     text,
					Voice:    sess.Voice,
					RefAudio: sess.RefFile,
				})
				if err != nil {
					return fault.New(fault.KindUpstream, "speech.synthesize", fmt.Errorf("unit %d: %w", u.Index, err)).
						WithAvatar(sess.AvatarID).WithModel(sess.Model, sess.Port)
				}
				chunk.Audio = audio
			}
			if err := emit(chunk); err != nil {
				return err
			}
		}
		return nil
	}()

	// Unblock the source and the segmenter before waiting on the source
	cancel()
	for range units {
	}
	if !srcDone {
		srcErr = <-errc
	}

	snap := stats.Snapshot()
	if runErr == nil {
		if err := parent.Err(); err != nil {
			runErr = err
		} else {
			runErr = srcErr
		}
	}
	if runErr != nil {
		observability.RecordError("run", "speech")
		logger.Error().Err(runErr).Int("units", snap.Units).Msg("Speech run failed")
		return snap, runErr
	}

	logger.Info().
		Int("units", snap.Units).
		Dur("first_unit_latency", snap.FirstUnitLatency).
		Dur("elapsed", time.Since(start)).
		Msg("Speech run complete")
	return snap, nil
}
