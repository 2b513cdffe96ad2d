package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/docflow-io/docflow/internal/domain"
)

// CommandEngine shells out to a converter binary. The binary is invoked as
//
//	<command> --model <model> --options <json> <path>
//
// and must print a single JSON document matching Output on stdout. A
// non-zero exit is an engine failure carrying the stderr tail.
type CommandEngine struct {
	command   string
	model     string
	resolved  string
	lookupErr error
}

type CommandConfig struct {
	Command string
	Model   string
}

func NewCommandEngine(cfg CommandConfig) *CommandEngine {
	e := &CommandEngine{
		command: cfg.Command,
		model:   cfg.Model,
	}
	e.resolved, e.lookupErr = exec.LookPath(cfg.Command)
	return e
}

func (e *CommandEngine) Convert(ctx context.Context, path string, options domain.Options) (*Output, error) {
	if e.lookupErr != nil {
		return nil, fmt.Errorf("conversion engine not initialized: %w", e.lookupErr)
	}

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("encode engine options: %w", err)
	}

	args := []string{"--options", string(optionsJSON), path}
	if e.model != "" {
		args = append([]string{"--model", e.model}, args...)
	}
	return e.run(ctx, args)
}

func (e *CommandEngine) run(ctx context.Context, args []string) (*Output, error) {
	cmd := exec.CommandContext(ctx, e.resolved, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("conversion aborted: %w", ctxErr)
		}
		return nil, fmt.Errorf("conversion engine failed: %v: %s", err, stderrTail(stderr.Bytes()))
	}

	var out Output
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("decode engine output: %w", err)
	}
	if out.ModelUsed == "" {
		out.ModelUsed = e.model
	}
	return &out, nil
}

func stderrTail(stderr []byte) string {
	const maxTail = 512
	text := strings.TrimSpace(string(stderr))
	if text == "" {
		return "no diagnostic output"
	}
	if len(text) > maxTail {
		text = "..." + text[len(text)-maxTail:]
	}
	return text
}
