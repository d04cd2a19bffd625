package handlers

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/codeleash/codeleash/internal/dispatch"
	"github.com/codeleash/codeleash/internal/hub"
	"github.com/codeleash/codeleash/internal/protocol"
)

const gitTimeout = 15 * time.Second

// GitFileStatus is one porcelain status row.
type GitFileStatus struct {
	Path    string `json:"path"`
	Index   string `json:"index"`   // staged state, e.g. "M", "A"
	Working string `json:"working"` // working-tree state
}

func registerGit(d *dispatch.Dispatcher, deps Deps) {
	d.Register(protocol.CategoryGit, "status", gitStatus(deps))
	d.Register(protocol.CategoryGit, "diff", gitDiff(deps))
	d.Register(protocol.CategoryGit, "show", gitShow(deps))
	d.Register(protocol.CategoryGit, "stage", gitPathAction(deps, "stage", "add", "--"))
	d.Register(protocol.CategoryGit, "unstage", gitPathAction(deps, "unstage", "reset", "HEAD", "--"))
	d.Register(protocol.CategoryGit, "discard", gitPathAction(deps, "discard", "checkout", "--"))
	d.Register(protocol.CategoryGit, "branch", gitBranch(deps))
}

func runGit(ctx context.Context, root string, args ...string) (string, *protocol.WireError) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", &protocol.WireError{Code: protocol.CodeTimeout, Message: "git command timed out"}
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", &protocol.WireError{Code: protocol.CodeHandlerError, Message: fmt.Sprintf("git %s: %s", args[0], msg)}
	}
	return stdout.String(), nil
}

func gitStatus(deps Deps) dispatch.Handler {
	return func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		out, werr := runGit(ctx, deps.Root, "status", "--porcelain")
		if werr != nil {
			return nil, werr
		}
		branch, werr := runGit(ctx, deps.Root, "rev-parse", "--abbrev-ref", "HEAD")
		if werr != nil {
			return nil, werr
		}
		var files []GitFileStatus
		for _, line := range strings.Split(out, "\n") {
			if len(line) < 4 {
				continue
			}
			files = append(files, GitFileStatus{
				Index:   strings.TrimSpace(line[0:1]),
				Working: strings.TrimSpace(line[1:2]),
				Path:    strings.TrimSpace(line[3:]),
			})
		}
		return map[string]any{"branch": strings.TrimSpace(branch), "files": files}, nil
	}
}

func gitDiff(deps Deps) dispatch.Handler {
	return func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			FilePath string `json:"filePath"`
			Staged   bool   `json:"staged"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		args := []string{"diff"}
		if req.Staged {
			args = append(args, "--cached")
		}
		if req.FilePath != "" {
			args = append(args, "--", req.FilePath)
		}
		out, werr := runGit(ctx, deps.Root, args...)
		if werr != nil {
			return nil, werr
		}
		return map[string]any{"diff": out, "staged": req.Staged}, nil
	}
}

func gitShow(deps Deps) dispatch.Handler {
	return func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			FilePath string `json:"filePath"`
			Ref      string `json:"ref"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		if req.FilePath == "" {
			return nil, invalid("filePath is required")
		}
		ref := req.Ref
		if ref == "" {
			ref = "HEAD"
		}
		out, werr := runGit(ctx, deps.Root, "show", ref+":"+req.FilePath)
		if werr != nil {
			return nil, werr
		}
		return map[string]any{"filePath": req.FilePath, "ref": ref, "content": out}, nil
	}
}

func gitPathAction(deps Deps, name string, gitArgs ...string) dispatch.Handler {
	return func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		req, werr := decode[struct {
			FilePath string `json:"filePath"`
		}](cmd)
		if werr != nil {
			return nil, werr
		}
		if req.FilePath == "" {
			return nil, invalid("filePath is required")
		}
		if _, werr := runGit(ctx, deps.Root, append(gitArgs, req.FilePath)...); werr != nil {
			return nil, werr
		}
		return map[string]any{"filePath": req.FilePath, "action": name}, nil
	}
}

func gitBranch(deps Deps) dispatch.Handler {
	return func(ctx context.Context, conn *hub.Connection, cmd protocol.Envelope) (any, *protocol.WireError) {
		out, werr := runGit(ctx, deps.Root, "branch", "--format=%(refname:short)")
		if werr != nil {
			return nil, werr
		}
		current, werr := runGit(ctx, deps.Root, "rev-parse", "--abbrev-ref", "HEAD")
		if werr != nil {
			return nil, werr
		}
		var branches []string
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			if line != "" {
				branches = append(branches, line)
			}
		}
		return map[string]any{"current": strings.TrimSpace(current), "branches": branches}, nil
	}
}
