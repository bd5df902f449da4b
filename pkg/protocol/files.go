package protocol

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/wesotion/socket-file-sync/pkg/channel"
	"github.com/wesotion/socket-file-sync/pkg/journal"
	"github.com/wesotion/socket-file-sync/pkg/transfer"
	"github.com/wesotion/socket-file-sync/pkg/watcher"
)

// Router is where handlers for inbound events are registered
type Router interface {
	On(event string, h channel.Handler)
}

// NormalizeDir turns a directory hint from the peer into a clean local
// path: both separator styles are accepted and a leading ~ is expanded.
func NormalizeDir(hint string) (string, error) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return "", newError(KindDirectoryUnavailable, MsgNoServerDir, nil)
	}

	p := strings.ReplaceAll(hint, "\\", "/")
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", newError(KindDirectoryUnavailable, fmt.Sprintf("cannot expand %s: %v", hint, err), err)
	}

	abs, err := filepath.Abs(filepath.FromSlash(expanded))
	if err != nil {
		return "", newError(KindDirectoryUnavailable, fmt.Sprintf("invalid directory %s: %v", hint, err), err)
	}
	return abs, nil
}

// checkDir verifies dir exists and is a directory
func checkDir(afs afero.Fs, dir string) error {
	info, err := afs.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newError(KindDirectoryUnavailable, fmt.Sprintf("%s does not exist", dir), err)
		}
		return newError(KindDirectoryUnavailable, fmt.Sprintf("%s is not accessible: %v", dir, err), err)
	}
	if !info.IsDir() {
		return newError(KindDirectoryUnavailable, fmt.Sprintf("%s is not a directory", dir), nil)
	}
	return nil
}

// removeLocal deletes relative under root. A path that is already gone is
// a failure so the requesting side hears about it.
func removeLocal(afs afero.Fs, root, relative string) error {
	path, err := transfer.Resolve(root, relative)
	if err != nil {
		return newError(KindPolicyViolation, err.Error(), err)
	}
	if _, err := afs.Stat(path); err != nil {
		return newError(KindRemoteRemovalFailed, fmt.Sprintf("cannot remove %s: %v", relative, err), err)
	}
	if err := afs.RemoveAll(path); err != nil {
		return newError(KindRemoteRemovalFailed, fmt.Sprintf("cannot remove %s: %v", relative, err), err)
	}
	return nil
}

// scanFiles lists the regular files under root as relative slash paths
func scanFiles(afs afero.Fs, root string) ([]string, error) {
	var out []string
	err := afero.Walk(afs, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if watcher.Ignored(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode().IsRegular() {
			out = append(out, rel)
		}
		return nil
	})
	return out, err
}

// errArg makes err safe to pass as an error-first argument
func errArg(err error) interface{} {
	if err == nil {
		return nil
	}
	return err.Error()
}

func record(rec journal.Recorder, logger zerolog.Logger, session string, op journal.Op, relative string, err error) {
	if rec == nil {
		return
	}
	e := journal.Entry{Session: session, Op: op, Relative: relative}
	if err != nil {
		e.Err = err.Error()
	}
	if rerr := rec.Record(e); rerr != nil {
		logger.Warn().Err(rerr).Msg("Failed to journal operation")
	}
}
