package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/correlator-io/edgedetect/internal/detection"
)

// ErrEngineFailed is returned when the engine command exits unsuccessfully.
var ErrEngineFailed = errors.New("engine failed")

type (
	// Engine detects objects in the image at imagePath.
	Engine interface {
		Infer(ctx context.Context, imagePath string) (detection.Payload, error)
	}

	// Func adapts a function to Engine.
	Func func(ctx context.Context, imagePath string) (detection.Payload, error)

	// CommandEngine runs the configured command once per image.
	CommandEngine struct {
		config *Config
		logger *slog.Logger
	}
)

var _ Engine = (*CommandEngine)(nil)

// Infer calls f.
func (f Func) Infer(ctx context.Context, imagePath string) (detection.Payload, error) {
	return f(ctx, imagePath)
}

// NewCommandEngine creates an engine from a validated config.
func NewCommandEngine(cfg *Config, logger *slog.Logger) (*CommandEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &CommandEngine{config: cfg, logger: logger}, nil
}

// Infer runs the command with imagePath as its last argument and returns the
// detections at or above the confidence threshold.
func (e *CommandEngine) Infer(ctx context.Context, imagePath string) (detection.Payload, error) {
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, e.config.Command[1:]...), imagePath)

	//nolint:gosec // command comes from operator configuration
	cmd := exec.CommandContext(ctx, e.config.Command[0], args...)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &limitedBuffer{max: maxStderrBytes, buf: &stderr}

	start := time.Now()

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrEngineFailed, imagePath, ctx.Err())
		}

		return nil, fmt.Errorf("%w: %s: %w: %s",
			ErrEngineFailed, imagePath, err, strings.TrimSpace(stderr.String()))
	}

	detections, err := detection.Payload(stdout.Bytes()).Detections()
	if err != nil {
		return nil, err
	}

	kept := e.filter(detections)

	e.logger.DebugContext(ctx, "Engine finished",
		slog.String("image_path", imagePath),
		slog.Int("detections", len(detections)),
		slog.Int("kept", len(kept)),
		slog.Duration("duration", time.Since(start)),
	)

	return detection.NewPayload(kept)
}

// filter drops detections below the threshold and names unnamed classes.
func (e *CommandEngine) filter(detections []detection.Detection) []detection.Detection {
	kept := make([]detection.Detection, 0, len(detections))

	for _, d := range detections {
		if d.Confidence < e.config.ConfidenceThreshold {
			continue
		}

		if d.Name == "" {
			if name, ok := e.config.ClassNames[d.Class]; ok {
				d.Name = name
			}
		}

		kept = append(kept, d)
	}

	return kept
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	max int
	buf *bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}

	return len(p), nil
}
