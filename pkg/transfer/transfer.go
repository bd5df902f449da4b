// Package transfer moves whole files between the two sides of a
// connection as acknowledged "file" messages.
package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
	"github.com/wesotion/socket-file-sync/pkg/channel"
	"github.com/wesotion/socket-file-sync/pkg/watcher"
)

// Event is the wire event carrying a file
const Event = "file"

// tempPattern keeps temporary files out of the watcher's view
const tempPattern = watcher.ConfigFileName + ".tmp-*"

var (
	// ErrVanished is returned by Read when the file disappeared before it
	// could be read, which is normal for short-lived files
	ErrVanished = errors.New("file vanished before transfer")
	// ErrNotRegular is returned by Read for directories and special files
	ErrNotRegular = errors.New("not a regular file")
	// ErrChecksum is returned by Receive when contents do not match the hash
	ErrChecksum = errors.New("checksum mismatch")
)

// File is the payload of a file message
type File struct {
	Relative string    `json:"relative"`
	Mode     uint32    `json:"mode"`
	ModTime  time.Time `json:"modTime"`
	Hash     string    `json:"hash"`
	Contents []byte    `json:"contents"`
}

// Checksum returns the hex xxhash64 of data
func Checksum(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// Resolve joins a relative slash path onto root, refusing paths that
// would leave it
func Resolve(root, relative string) (string, error) {
	if !watcher.IsLocal(relative) {
		return "", fmt.Errorf("invalid relative path %q", relative)
	}
	return filepath.Join(root, filepath.FromSlash(relative)), nil
}

// Read loads relative under root into a File
func Read(afs afero.Fs, root, relative string) (File, error) {
	path, err := Resolve(root, relative)
	if err != nil {
		return File{}, err
	}

	info, err := afs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, ErrVanished
		}
		return File{}, fmt.Errorf("failed to stat %s: %w", relative, err)
	}
	if !info.Mode().IsRegular() {
		return File{}, ErrNotRegular
	}

	data, err := afero.ReadFile(afs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, ErrVanished
		}
		return File{}, fmt.Errorf("failed to read %s: %w", relative, err)
	}

	return File{
		Relative: relative,
		Mode:     uint32(info.Mode().Perm()),
		ModTime:  info.ModTime(),
		Hash:     Checksum(data),
		Contents: data,
	}, nil
}

// Receive writes f under root. It returns false without touching the disk
// when the target already has the same contents, so a file echoed back by
// the peer's watcher does not bounce forever.
func Receive(afs afero.Fs, root string, f File) (bool, error) {
	path, err := Resolve(root, f.Relative)
	if err != nil {
		return false, err
	}
	if Checksum(f.Contents) != f.Hash {
		return false, ErrChecksum
	}

	if existing, err := afero.ReadFile(afs, path); err == nil && Checksum(existing) == f.Hash {
		return false, nil
	}

	dir := filepath.Dir(path)
	if err := afs.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", f.Relative, err)
	}

	tmp, err := afero.TempFile(afs, dir, tempPattern)
	if err != nil {
		return false, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = afs.Remove(tmpName) }

	if _, err := tmp.Write(f.Contents); err != nil {
		_ = tmp.Close()
		cleanup()
		return false, fmt.Errorf("failed to write %s: %w", f.Relative, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return false, fmt.Errorf("failed to write %s: %w", f.Relative, err)
	}

	mode := fs.FileMode(f.Mode).Perm()
	if mode == 0 {
		mode = 0644
	}
	if err := afs.Chmod(tmpName, mode); err != nil {
		cleanup()
		return false, fmt.Errorf("failed to set mode of %s: %w", f.Relative, err)
	}
	if err := afs.Rename(tmpName, path); err != nil {
		cleanup()
		return false, fmt.Errorf("failed to move %s into place: %w", f.Relative, err)
	}
	if !f.ModTime.IsZero() {
		_ = afs.Chtimes(path, f.ModTime, f.ModTime)
	}
	return true, nil
}

// Push sends f and reports the peer's verdict to done. done runs on the
// channel read loop, or synchronously when the message cannot be written.
func Push(em channel.Emitter, f File, done func(error)) {
	err := em.EmitWithAck(Event, func(reply channel.Message, err error) {
		if err != nil {
			done(err)
			return
		}
		done(reply.Err(0))
	}, f)
	if err != nil {
		done(err)
	}
}
