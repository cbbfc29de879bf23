package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

type sizeReport struct {
	Count int64 `json:"count"`
	Bytes int64 `json:"bytes"`
}

// Size asks the tool for the total byte count under source. The call is
// bounded by SizeTimeout so a hung listing cannot stall a start.
func (t *Tool) Size(ctx context.Context, source string) (int64, error) {
	if t.SizeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.SizeTimeout)
		defer cancel()
	}

	cmd := t.Command(ctx, t.SizeArgs(source)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("size of %s: %w", source, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return 0, fmt.Errorf("size of %s: exit code %d: %s", source, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return 0, fmt.Errorf("size of %s: %w", source, err)
	}
	return parseSizeReport(out)
}

func parseSizeReport(out []byte) (int64, error) {
	start := bytes.IndexByte(out, '{')
	end := bytes.LastIndexByte(out, '}')
	if start < 0 || end < start {
		return 0, fmt.Errorf("size report has no JSON object: %q", strings.TrimSpace(string(out)))
	}

	var r sizeReport
	if err := json.Unmarshal(out[start:end+1], &r); err != nil {
		return 0, fmt.Errorf("failed to decode size report: %w", err)
	}
	if r.Bytes < 0 {
		return 0, fmt.Errorf("size report has negative byte count %d", r.Bytes)
	}
	return r.Bytes, nil
}
