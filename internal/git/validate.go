package git

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/asheshgoplani/ccm/internal/apperr"
)

// shellMeta lists the characters rejected from every path handed to a
// subprocess. Arguments are never passed through a shell, but rejecting
// these keeps hostile paths out of git and tmux entirely.
const shellMeta = ";&|`$(){}[]<>!"

var branchPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// SafePath resolves path to absolute form and rejects shell metacharacters.
func SafePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", apperr.New(apperr.KindInvalidArgument, "path is empty")
	}
	if strings.ContainsAny(path, shellMeta) {
		return "", apperr.Newf(apperr.KindInvalidArgument, "path contains forbidden characters: %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInvalidArgument, "cannot resolve path", err)
	}
	return abs, nil
}

// ValidateBranch enforces the branch naming rules: [A-Za-z0-9._/-]+, no
// leading "-", no "..".
func ValidateBranch(name string) error {
	if name == "" {
		return apperr.New(apperr.KindInvalidArgument, "branch name is empty")
	}
	if strings.HasPrefix(name, "-") {
		return apperr.New(apperr.KindInvalidArgument, "branch name cannot start with '-'")
	}
	if strings.Contains(name, "..") {
		return apperr.New(apperr.KindInvalidArgument, "branch name cannot contain '..'")
	}
	if !branchPattern.MatchString(name) {
		return apperr.Newf(apperr.KindInvalidArgument, "invalid branch name: %s", name)
	}
	return nil
}
