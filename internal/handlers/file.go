package handlers

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/codeleash/codeleash/internal/dispatch"
	"github.com/codeleash/codeleash/internal/hub"
	"github.com/codeleash/codeleash/internal/protocol"
)

const defaultSearchMax = 100

// FileEntry is one directory listing row.
type FileEntry struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	IsDir    bool   `json:"isDir"`
	Size     int64  `json:"size"`
	Modified int64  `json:"modified"` // ms since epoch
}

// SearchMatch is one grep hit.
type SearchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func registerFile(d *dispatch.Dispatcher, deps Deps) {
	d.Register(protocol.CategoryFile, "list", fileList(deps))
	d.Register(protocol.CategoryFile, "read", fileRead(deps))
	d.Register(protocol.CategoryFile, "write", fileWrite(deps))
	d.Register(protocol.CategoryFile, "search", fileSearch(deps))
	d.Register(protocol.CategoryFile, "stat", fileStat(deps))
	// open and save act on the live editor, not the filesystem.
	d.Register(protocol.CategoryFile, "open", forward(deps, protocol.CategoryFile, "open"))
	d.Register(protocol.CategoryFile, "save", forward(deps, protocol.CategoryFile, "save"))
}

// resolve joins a workspace-relative path against the root and rejects
// escapes above it.
func resolve(root, path string) (string, *protocol.WireError) {
	abs := filepath.Join(root, filepath.FromSlash(path))
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &protocol.WireError{Code: protocol.CodeForbidden, Message: "path escapes workspace root"}
	}
	return abs, nil
}

func fileList(deps Deps) dispatch.Handler {
	return func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			Path string `json:"path"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		dir, werr := resolve(deps.Root, req.Path)
		if werr != nil {
			return nil, werr
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, &protocol.WireError{Code: protocol.CodeNotFound, Message: fmt.Sprintf("directory not found: %s", req.Path)}
			}
			return nil, handlerErr(err)
		}
		out := make([]FileEntry, 0, len(entries))
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, FileEntry{
				Name:     e.Name(),
				Path:     filepath.ToSlash(filepath.Join(req.Path, e.Name())),
				IsDir:    e.IsDir(),
				Size:     info.Size(),
				Modified: info.ModTime().UnixMilli(),
			})
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].IsDir != out[j].IsDir {
				return out[i].IsDir
			}
			return out[i].Name < out[j].Name
		})
		return map[string]any{"path": req.Path, "entries": out}, nil
	}
}

func fileRead(deps Deps) dispatch.Handler {
	return func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			Path     string `json:"path"`
			Encoding string `json:"encoding"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		if req.Path == "" {
			return nil, invalid("path is required")
		}
		abs, werr := resolve(deps.Root, req.Path)
		if werr != nil {
			return nil, werr
		}
		info, err := os.Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, &protocol.WireError{Code: protocol.CodeNotFound, Message: fmt.Sprintf("file not found: %s", req.Path)}
			}
			return nil, handlerErr(err)
		}
		if info.Size() > deps.MaxFileSize {
			return nil, &protocol.WireError{
				Code:    protocol.CodeHandlerError,
				Message: fmt.Sprintf("file size %d exceeds limit %d bytes", info.Size(), deps.MaxFileSize),
			}
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, handlerErr(err)
		}
		content := string(data)
		encoding := req.Encoding
		if encoding == "" {
			encoding = "utf-8"
		}
		if encoding == "base64" {
			content = base64.StdEncoding.EncodeToString(data)
		}
		return map[string]any{"path": req.Path, "content": content, "encoding": encoding, "size": info.Size()}, nil
	}
}

func fileWrite(deps Deps) dispatch.Handler {
	return func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			Path         string `json:"path"`
			Content      string `json:"content"`
			CreateBackup bool   `json:"createBackup"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		if req.Path == "" {
			return nil, invalid("path is required")
		}
		abs, werr := resolve(deps.Root, req.Path)
		if werr != nil {
			return nil, werr
		}
		if req.CreateBackup {
			if orig, err := os.ReadFile(abs); err == nil {
				backup := abs + ".bak." + time.Now().Format("20060102T150405")
				if err := os.WriteFile(backup, orig, 0o644); err != nil {
					return nil, handlerErr(fmt.Errorf("create backup: %w", err))
				}
			}
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, handlerErr(err)
		}
		if err := os.WriteFile(abs, []byte(req.Content), 0o644); err != nil {
			return nil, handlerErr(err)
		}
		return map[string]any{"path": req.Path, "bytesWritten": len(req.Content)}, nil
	}
}

func fileStat(deps Deps) dispatch.Handler {
	return func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			Path string `json:"path"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		abs, werr := resolve(deps.Root, req.Path)
		if werr != nil {
			return nil, werr
		}
		info, err := os.Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, &protocol.WireError{Code: protocol.CodeNotFound, Message: fmt.Sprintf("not found: %s", req.Path)}
			}
			return nil, handlerErr(err)
		}
		return FileEntry{
			Name:     info.Name(),
			Path:     req.Path,
			IsDir:    info.IsDir(),
			Size:     info.Size(),
			Modified: info.ModTime().UnixMilli(),
		}, nil
	}
}

// skipDirs are never descended into during search.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, ".hg": true, ".svn": true,
}

func fileSearch(deps Deps) dispatch.Handler {
	return func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			Pattern    string `json:"pattern"`
			MaxResults int    `json:"maxResults"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		if req.Pattern == "" {
			return nil, invalid("pattern is required")
		}
		re, err := regexp.Compile(req.Pattern)
		if err != nil {
			return nil, invalid(fmt.Sprintf("bad pattern: %v", err))
		}
		max := req.MaxResults
		if max <= 0 || max > 1000 {
			max = defaultSearchMax
		}

		var matches []SearchMatch
		err = filepath.WalkDir(deps.Root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if skipDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if len(matches) >= max {
				return filepath.SkipAll
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, _ := filepath.Rel(deps.Root, path)
			found, err := grepFile(path, filepath.ToSlash(rel), re, max-len(matches))
			if err != nil {
				return nil
			}
			matches = append(matches, found...)
			return nil
		})
		if err != nil {
			return nil, handlerErr(err)
		}
		return map[string]any{"pattern": req.Pattern, "matches": matches, "truncated": len(matches) >= max}, nil
	}
}

func grepFile(path, rel string, re *regexp.Regexp, limit int) ([]SearchMatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var matches []SearchMatch
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 256*1024), 256*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.ContainsRune(line, 0) {
			// binary file
			return nil, nil
		}
		if re.MatchString(line) {
			matches = append(matches, SearchMatch{Path: rel, Line: lineNo, Text: line})
			if len(matches) >= limit {
				break
			}
		}
	}
	return matches, nil
}
