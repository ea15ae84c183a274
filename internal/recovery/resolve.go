package recovery

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrDirectoryMissing means the stored directory no longer exists.
	ErrDirectoryMissing = errors.New("recovery: directory no longer exists")
	// ErrOutsideSandbox means the stored directory escapes the approved root.
	ErrOutsideSandbox = errors.New("recovery: directory outside sandbox")
)

// DirValidator is the sandbox check applied to recovered directories.
type DirValidator interface {
	IsWithinSandbox(path string) bool
}

// Resolution is where and what to resume for one conversation.
type Resolution struct {
	SessionID string // protocol session to resume; empty starts fresh
	WorkDir   string
	Restored  bool  // a pointer was found
	Rejected  error // why the stored directory was not used, if it was not
}

// Resolve applies a recovered pointer. The protocol id is always kept; a
// directory that is gone or outside the sandbox is replaced by defaultDir
// and the reason reported in Rejected.
func Resolve(p *Pointer, defaultDir string, v DirValidator) Resolution {
	if p == nil {
		return Resolution{WorkDir: defaultDir}
	}
	res := Resolution{SessionID: p.SessionID, WorkDir: p.WorkDir, Restored: true}

	info, err := os.Stat(p.WorkDir)
	switch {
	case p.WorkDir == "" || err != nil || !info.IsDir():
		res.Rejected = fmt.Errorf("%w: %q", ErrDirectoryMissing, p.WorkDir)
	case v != nil && !v.IsWithinSandbox(p.WorkDir):
		res.Rejected = fmt.Errorf("%w: %q", ErrOutsideSandbox, p.WorkDir)
	}
	if res.Rejected != nil {
		res.WorkDir = defaultDir
	}
	return res
}
