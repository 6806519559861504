package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/wav"
	"github.com/mattn/go-shellwords"
)

const (
	execSampleRate = 16000
	// statusExecFailed is reported when the command could not be started at all.
	statusExecFailed = -1
)

// Exec drives an external whisper.cpp command line (for example whisper-cli)
// instead of linking the library. Every pass writes the samples to a temporary
// WAV file and reads one segment per stdout line.
type Exec struct {
	cmd     []string
	timeout time.Duration
}

// NewExec parses command with shell word rules. A zero timeout lets every pass
// run to completion.
func NewExec(command string, timeout time.Duration) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("engine command is empty")
	}
	if timeout < 0 {
		return nil, errors.New("engine command timeout must be >= 0")
	}
	return &Exec{cmd: args, timeout: timeout}, nil
}

func (e *Exec) Name() string { return "exec" }

func (e *Exec) Open(modelPath string) (Model, error) {
	if modelPath == "" {
		return nil, errors.New("engine: model path required")
	}
	f, err := os.Open(modelPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open model: %w", err)
	}
	f.Close()
	return &execModel{cmd: e.cmd, timeout: e.timeout, modelPath: modelPath}, nil
}

type execModel struct {
	cmd       []string
	timeout   time.Duration
	modelPath string
	segments  []string
}

func (m *execModel) Full(params Params, samples []float32) int {
	m.segments = nil

	file, err := os.CreateTemp("", "loqa_whisper_*.wav")
	if err != nil {
		return statusExecFailed
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := wav.Encode(file, samples, execSampleRate); err != nil {
		return statusExecFailed
	}

	ctx := context.Background()
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	command := exec.CommandContext(ctx, m.cmd[0], m.args(params, file.Name())...)
	command.WaitDelay = time.Second
	var stdout bytes.Buffer
	command.Stdout = &stdout

	if err := command.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			return exitErr.ExitCode()
		}
		return statusExecFailed
	}

	// A segment may be as long as the whole output.
	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), stdout.Len()+1)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		m.segments = append(m.segments, line)
	}
	if err := scanner.Err(); err != nil {
		m.segments = nil
		return statusExecFailed
	}
	return StatusOK
}

func (m *execModel) args(params Params, audioPath string) []string {
	args := append([]string{}, m.cmd[1:]...)
	args = append(args,
		"--model", m.modelPath,
		"--file", audioPath,
		"--language", params.Language,
		"--threads", strconv.Itoa(params.Threads),
		"--no-timestamps",
		"--no-prints",
	)
	if params.Translate {
		args = append(args, "--translate")
	}
	if params.Strategy == SamplingGreedy {
		args = append(args, "--beam-size", "1")
	}
	return args
}

func (m *execModel) NumSegments() int { return len(m.segments) }

func (m *execModel) SegmentText(i int) string {
	if i < 0 || i >= len(m.segments) {
		return ""
	}
	return m.segments[i]
}

func (m *execModel) Close() error { return nil }
