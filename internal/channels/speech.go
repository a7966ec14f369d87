package channels

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/gatehouselabs/gatehouse/internal/config"
)

// speechTimeout bounds one STT or TTS subprocess invocation.
const speechTimeout = 60 * time.Second

// Transcriber turns an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Synthesizer turns text into an audio file and returns its path.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// NewSpeech builds the configured speech collaborators; either may be
// nil when the corresponding command is not configured.
func NewSpeech(cfg config.SpeechConfig) (Transcriber, Synthesizer) {
	var stt Transcriber
	var tts Synthesizer
	if len(cfg.SttCommand) > 0 {
		stt = &commandTranscriber{argv: cfg.SttCommand}
	}
	if len(cfg.TtsCommand) > 0 {
		tts = &commandSynthesizer{argv: cfg.TtsCommand}
	}
	return stt, tts
}

// commandTranscriber appends the audio path to the configured argv and
// reads the transcript from stdout.
type commandTranscriber struct {
	argv []string
}

func (t *commandTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, speechTimeout)
	defer cancel()

	args := append(append([]string(nil), t.argv[1:]...), audioPath)
	cmd := exec.CommandContext(ctx, t.argv[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("stt command: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// commandSynthesizer writes the text to the command's stdin and reads
// the produced audio file path from stdout.
type commandSynthesizer struct {
	argv []string
}

func (s *commandSynthesizer) Synthesize(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, speechTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	cmd.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tts command: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	path := strings.TrimSpace(stdout.String())
	if path == "" {
		return "", fmt.Errorf("tts command produced no output path")
	}
	return path, nil
}
