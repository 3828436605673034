package coretools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/parley/pkg/toolexecutor"
)

const (
	defaultReadLimit     = 200000
	defaultSearchResults = 50
	maxSearchFileSize    = 1 << 20
)

// Options configures core tool registration.
type Options struct {
	// WorkspaceRoot enables the read_file and search_files tools when set.
	WorkspaceRoot string
	// DefaultTimezone is used by current_time when no zone is requested.
	DefaultTimezone string
	Now             func() time.Time
}

// RegisterCoreTools registers the built-in tools into catalog.
func RegisterCoreTools(catalog toolexecutor.Catalog, opts Options) error {
	if catalog == nil {
		return errors.New("tool catalog is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	tools := []toolexecutor.ToolDefinition{
		endTool(),
		currentTimeTool(opts),
	}
	if strings.TrimSpace(opts.WorkspaceRoot) != "" {
		tools = append(tools, readFileTool(opts), searchFilesTool(opts))
	}

	for _, tool := range tools {
		if err := catalog.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

// endTool records an optional summary and asks the running loop to stop
// after the current batch of tool calls.
func endTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "end",
		Description: "Finish the conversation. Call this once the user's request is fully handled, with a short summary of the outcome.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "summary", Type: "string", Description: "One or two sentences describing what was done", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			execCtx := toolexecutor.ExecContextFromContext(ctx)
			if execCtx == nil || execCtx.Control == nil {
				return nil, fmt.Errorf("end can only be called from a running conversation")
			}
			summary, _ := params["summary"].(string)
			summary = strings.TrimSpace(summary)
			if summary != "" && execCtx.Summaries != nil {
				execCtx.Summaries.Add(summary)
			}
			execCtx.Control.RequestEnd()
			return "Conversation ended.", nil
		},
	}
}

func currentTimeTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a given IANA time zone such as Asia/Shanghai.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "timezone", Type: "string", Description: "IANA time zone name", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			zone, _ := params["timezone"].(string)
			zone = strings.TrimSpace(zone)
			if zone == "" {
				zone = opts.DefaultTimezone
			}
			loc := time.Local
			if zone != "" {
				var err error
				loc, err = time.LoadLocation(zone)
				if err != nil {
					return nil, fmt.Errorf("unknown time zone %q", zone)
				}
			}
			now := opts.Now().In(loc)
			return map[string]interface{}{
				"timezone": loc.String(),
				"time":     now.Format(time.RFC3339),
				"weekday":  now.Weekday().String(),
				"unix":     now.Unix(),
			}, nil
		},
	}
}

func readFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to read (default 200000)", Required: false, Default: defaultReadLimit},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(filepath.Clean(opts.WorkspaceRoot), pathValue)
			if err != nil {
				return nil, err
			}

			maxBytes := int64(defaultReadLimit)
			if raw, ok := params["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int64(raw)
			}

			data, truncated, err := readFileWithLimit(target, maxBytes)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

type searchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func searchFilesTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "search_files",
		Description: "Search workspace files for lines containing a text, case-insensitively.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "query", Type: "string", Description: "Text to search for", Required: true},
			{Name: "glob", Type: "string", Description: "Only search file names matching this pattern, e.g. *.md", Required: false},
			{Name: "max_results", Type: "number", Description: "Maximum matches to return (default 50)", Required: false, Default: defaultSearchResults},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			query, _ := params["query"].(string)
			query = strings.TrimSpace(query)
			if query == "" {
				return nil, fmt.Errorf("query is required")
			}
			glob, _ := params["glob"].(string)
			limit := defaultSearchResults
			if raw, ok := params["max_results"].(float64); ok && raw > 0 {
				limit = int(raw)
			}

			root := filepath.Clean(opts.WorkspaceRoot)
			matches, err := searchWorkspace(ctx, root, strings.ToLower(query), glob, limit)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"query":   query,
				"matches": matches,
				"count":   len(matches),
			}, nil
		},
	}
}

var errSearchLimit = errors.New("search limit reached")

func searchWorkspace(ctx context.Context, root, needle, glob string, limit int) ([]searchMatch, error) {
	matches := []searchMatch{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if glob != "" {
			if ok, _ := filepath.Match(glob, d.Name()); !ok {
				return nil
			}
		}
		if info, err := d.Info(); err != nil || info.Size() > maxSearchFileSize {
			return nil
		}

		rel, _ := filepath.Rel(root, path)
		found, err := searchFile(path, rel, needle, limit-len(matches))
		if err != nil {
			return nil
		}
		matches = append(matches, found...)
		if len(matches) >= limit {
			return errSearchLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errSearchLimit) {
		return nil, err
	}
	return matches, nil
}

func searchFile(path, rel, needle string, limit int) ([]searchMatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []searchMatch
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() && len(out) < limit {
		line++
		text := scanner.Text()
		if strings.Contains(strings.ToLower(text), needle) {
			out = append(out, searchMatch{Path: rel, Line: line, Text: strings.TrimSpace(text)})
		}
	}
	return out, scanner.Err()
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	var buf bytes.Buffer
	if limit <= 0 {
		limit = defaultReadLimit
	}
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	truncated := false
	extra := make([]byte, 1)
	if n, _ := file.Read(extra); n > 0 {
		truncated = true
	}
	return buf.Bytes(), truncated, nil
}

func resolvePathInWorkspace(workspaceRoot string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(workspaceRoot, candidate)
	if err != nil {
		return "", err
	}
	if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
		return candidate, nil
	}
	return "", fmt.Errorf("path %q is outside workspace root", pathValue)
}
