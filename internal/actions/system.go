package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// resolve anchors a relative path under the runner's workdir.
func (r *Runner) resolve(path string) string {
	if filepath.IsAbs(path) || r.Workdir == "" {
		return path
	}
	return filepath.Join(r.Workdir, path)
}

func (r *Runner) runShell(ctx context.Context, payload map[string]any) (map[string]any, error) {
	command, err := stringField(payload, "command")
	if err != nil {
		return nil, err
	}
	if ms, ok := intField(payload, "timeout_ms"); ok && ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	if wd, ok := payload["workdir"].(string); ok && wd != "" {
		cmd.Dir = r.resolve(wd)
	} else if r.Workdir != "" {
		cmd.Dir = r.Workdir
	}

	out, err := cmd.CombinedOutput()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	result := map[string]any{
		"stdout":    string(out),
		"exit_code": exitCode,
	}
	if ctx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("shell command timed out: %s", command)
	}
	if err != nil {
		return result, fmt.Errorf("shell command failed: %w\n%s", err, string(out))
	}
	return result, nil
}

// writeFile writes through a sibling temp file and renames, so readers
// never observe a half-written file.
func (r *Runner) writeFile(payload map[string]any) (map[string]any, error) {
	path, err := stringField(payload, "path")
	if err != nil {
		return nil, err
	}
	content, err := stringField(payload, "content")
	if err != nil {
		return nil, err
	}
	path = r.resolve(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("could not create parent folder: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".foreman-*")
	if err != nil {
		return nil, fmt.Errorf("could not create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("could not write to file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("could not close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("could not move file into place: %w", err)
	}
	return map[string]any{"path": path, "bytes": len(content)}, nil
}

func (r *Runner) readFile(payload map[string]any) (map[string]any, error) {
	path, err := stringField(payload, "path")
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(r.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("could not read file: %w", err)
	}
	return map[string]any{"content": string(data)}, nil
}

func (r *Runner) listDir(payload map[string]any) (map[string]any, error) {
	path, err := stringField(payload, "path")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(r.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("could not list directory: %w", err)
	}
	type entry struct {
		Name  string `json:"name"`
		IsDir bool   `json:"is_dir"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, entry{Name: e.Name(), IsDir: e.IsDir()})
	}
	b, _ := json.Marshal(out)
	return map[string]any{"entries_json": string(b)}, nil
}
