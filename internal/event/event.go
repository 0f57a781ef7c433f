package event

import (
	"fmt"
	"strings"
)

// EventKind is the kind of change carried by a ChangeEvent.
type EventKind string

const (
	EventAdd     EventKind = "add"
	EventModify  EventKind = "modify"
	EventDelete  EventKind = "delete"
	EventGenesis EventKind = "genesis"
)

// ChangeEvent is the record shared by the local watcher and the remote event log.
type ChangeEvent struct {
	Path  string    `json:"path"`
	Kind  EventKind `json:"status"`
	IsDir bool      `json:"isDir"`
}

// Segments splits the slash-joined path, dropping empty segments.
func (e *ChangeEvent) Segments() []string {
	return SplitPath(e.Path)
}

func (e *ChangeEvent) String() string {
	kind := "file"
	if e.IsDir {
		kind = "dir"
	}
	return fmt.Sprintf("%s %s %s", e.Kind, kind, e.Path)
}

// SplitPath splits a slash-joined path into its segments.
func SplitPath(path string) []string {
	parts := strings.Split(path, "/")
	segments := parts[:0]
	for _, p := range parts {
		if p != "" && p != "." {
			segments = append(segments, p)
		}
	}
	return segments
}

// ValidatePath rejects paths that could resolve outside the shared directory
// once joined to it: absolute paths, backslashes, NUL bytes and ".." segments.
func ValidatePath(path string) error {
	switch {
	case strings.HasPrefix(path, "/"):
		return fmt.Errorf("absolute path %q", path)
	case strings.ContainsAny(path, "\\\x00"):
		return fmt.Errorf("unsupported character in %q", path)
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == ".." {
			return fmt.Errorf("parent segment in %q", path)
		}
	}
	return nil
}

// JoinPath is the inverse of SplitPath.
func JoinPath(segments []string) string {
	return strings.Join(segments, "/")
}

// Genesis is the record stored at log position 0. Key is the address of the
// blob store shared by the session.
type Genesis struct {
	Kind EventKind `json:"status"`
	Key  string    `json:"key"`
}
