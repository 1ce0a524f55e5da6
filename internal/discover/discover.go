// Package discover locates the agent program binary on the host.
package discover

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/wagiedev/agentpool-go/internal/errors"
)

// Resolve locates the executable for program. An explicit path (anything
// containing a path separator) is used as-is and must exist. A bare name is
// searched in PATH first, then in a small set of common install locations.
// Returns the resolved path, or *errors.ProgramNotFoundError listing every
// location that was tried.
func Resolve(log *slog.Logger, program string) (string, error) {
	log = log.With("component", "discover")

	if strings.ContainsRune(program, os.PathSeparator) {
		log.Debug("Using explicit program path", "path", program)

		if _, err := os.Stat(program); err == nil {
			return program, nil
		}

		return "", &errors.ProgramNotFoundError{
			Program:       program,
			SearchedPaths: []string{program},
		}
	}

	searched := make([]string, 0, 4)

	if path, err := exec.LookPath(program); err == nil {
		log.Debug("Found program in PATH", "path", path)

		return path, nil
	}

	searched = append(searched, "$PATH")

	for _, dir := range commonDirs() {
		path := filepath.Join(dir, program)
		searched = append(searched, path)

		if _, err := os.Stat(path); err == nil {
			log.Debug("Found program at common path", "path", path)

			return path, nil
		}
	}

	log.Warn("Agent program not found", "program", program, "searched_paths", searched)

	return "", &errors.ProgramNotFoundError{Program: program, SearchedPaths: searched}
}

// commonDirs returns install locations checked after PATH.
func commonDirs() []string {
	dirs := []string{"/usr/local/bin", "/usr/bin"}

	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local/bin"))
	}

	return dirs
}
