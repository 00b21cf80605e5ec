package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/praxisworks/praxis/internal/gatekeeper"
	"github.com/praxisworks/praxis/internal/llm"
)

// maxReadBytes caps file reads so one large file cannot blow the
// conversation out of the context window.
const maxReadBytes = 256 * 1024

// localRegistry exposes a small filesystem toolset rooted at a
// workspace directory. Paths are resolved under the root; attempts to
// escape it fail as tool errors rather than Go errors so the model can
// correct itself.
type localRegistry struct {
	root string
}

func newLocalRegistry(root string) *localRegistry {
	if root == "" {
		root = "."
	}
	return &localRegistry{root: root}
}

type toolHandler func(ctx context.Context, input json.RawMessage) (gatekeeper.ToolOutput, error)

func (r *localRegistry) handlers() map[string]toolHandler {
	return map[string]toolHandler{
		"read_file":      r.readFile,
		"write_file":     r.writeFile,
		"list_directory": r.listDirectory,
	}
}

func (r *localRegistry) ExecuteTool(ctx context.Context, name string, input json.RawMessage) (gatekeeper.ToolOutput, error) {
	h, ok := r.handlers()[name]
	if !ok {
		return gatekeeper.ToolOutput{}, fmt.Errorf("unknown tool %q", name)
	}
	return h(ctx, input)
}

func (r *localRegistry) Has(name string) bool {
	_, ok := r.handlers()[name]
	return ok
}

func (r *localRegistry) Schemas() []llm.ToolSchema {
	pathSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace root"}
		},
		"required": ["path"]
	}`)
	writeSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace root"},
			"content": {"type": "string", "description": "Full file content to write"}
		},
		"required": ["path", "content"]
	}`)
	return []llm.ToolSchema{
		{
			Name:        "read_file",
			Description: "Read a text file from the workspace.",
			InputSchema: pathSchema,
			Idempotent:  true,
			Builtin:     true,
			Keywords:    []string{"read", "file", "open", "show"},
		},
		{
			Name:        "write_file",
			Description: "Write a text file in the workspace, creating parent directories as needed.",
			InputSchema: writeSchema,
			Builtin:     true,
			Keywords:    []string{"write", "file", "save", "create"},
		},
		{
			Name:        "list_directory",
			Description: "List the entries of a workspace directory.",
			InputSchema: pathSchema,
			Idempotent:  true,
			Builtin:     true,
			Keywords:    []string{"list", "directory", "ls", "files"},
		},
	}
}

// resolve maps a tool-supplied path onto the workspace root.
func (r *localRegistry) resolve(raw string) (string, error) {
	cleaned := filepath.Clean(filepath.Join(r.root, raw))
	rel, err := filepath.Rel(r.root, cleaned)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", raw)
	}
	return cleaned, nil
}

type pathInput struct {
	Path string `json:"path"`
}

func (r *localRegistry) readFile(_ context.Context, input json.RawMessage) (gatekeeper.ToolOutput, error) {
	var in pathInput
	if err := json.Unmarshal(input, &in); err != nil {
		return gatekeeper.ToolOutput{Content: "invalid input: " + err.Error(), IsError: true}, nil
	}
	path, err := r.resolve(in.Path)
	if err != nil {
		return gatekeeper.ToolOutput{Content: err.Error(), IsError: true}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return gatekeeper.ToolOutput{Content: err.Error(), IsError: true}, nil
	}
	if len(data) > maxReadBytes {
		truncated := fmt.Sprintf("%s\n[truncated: %d of %d bytes shown]",
			data[:maxReadBytes], maxReadBytes, len(data))
		return gatekeeper.ToolOutput{Content: truncated}, nil
	}
	return gatekeeper.ToolOutput{Content: string(data)}, nil
}

func (r *localRegistry) writeFile(_ context.Context, input json.RawMessage) (gatekeeper.ToolOutput, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return gatekeeper.ToolOutput{Content: "invalid input: " + err.Error(), IsError: true}, nil
	}
	path, err := r.resolve(in.Path)
	if err != nil {
		return gatekeeper.ToolOutput{Content: err.Error(), IsError: true}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return gatekeeper.ToolOutput{Content: err.Error(), IsError: true}, nil
	}
	if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return gatekeeper.ToolOutput{Content: err.Error(), IsError: true}, nil
	}
	return gatekeeper.ToolOutput{Content: fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path)}, nil
}

func (r *localRegistry) listDirectory(_ context.Context, input json.RawMessage) (gatekeeper.ToolOutput, error) {
	var in pathInput
	if err := json.Unmarshal(input, &in); err != nil {
		return gatekeeper.ToolOutput{Content: "invalid input: " + err.Error(), IsError: true}, nil
	}
	path, err := r.resolve(in.Path)
	if err != nil {
		return gatekeeper.ToolOutput{Content: err.Error(), IsError: true}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return gatekeeper.ToolOutput{Content: err.Error(), IsError: true}, nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return gatekeeper.ToolOutput{Content: strings.Join(names, "\n")}, nil
}
