package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// The helper process reads one JSON request on stdin and answers with one
// or more JSON lines, each carrying a base64 audio segment.
type execSynth struct {
	cmd []string
}

type execRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice"`
	Model  string `json:"model"`
	Format string `json:"format"`
}

type execResponse struct {
	AudioBase64 string `json:"audio_base64"`
	Final       bool   `json:"final"`
	Error       string `json:"error,omitempty"`
}

func NewExecSynth(command string) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	audio, err := e.run(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ProviderError{Provider: "exec", Model: req.Model, Err: err}
	}
	return audio, nil
}

func (e *execSynth) run(ctx context.Context, req SynthRequest) ([]byte, error) {
	data, err := json.Marshal(execRequest{
		Text:   req.Text,
		Voice:  req.Voice,
		Model:  req.Model,
		Format: req.Format,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(append(data, '\n'))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var (
		audio   bytes.Buffer
		final   bool
		lineErr error
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			lineErr = fmt.Errorf("decode helper output: %w", err)
			break
		}
		if resp.Error != "" {
			lineErr = errors.New(resp.Error)
			break
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
		if err != nil {
			lineErr = fmt.Errorf("decode audio: %w", err)
			break
		}
		audio.Write(chunk)
		if resp.Final {
			final = true
			break
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	switch {
	case lineErr != nil:
		return nil, lineErr
	case scanErr != nil:
		return nil, scanErr
	case waitErr != nil && !final:
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", waitErr, msg)
		}
		return nil, waitErr
	case audio.Len() == 0:
		return nil, errors.New("helper produced no audio")
	}
	return audio.Bytes(), nil
}
