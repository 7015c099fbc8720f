// Package archive finds package archives in an intake tree. Containers that
// only carry further zips are expanded into scratch directories and searched
// again until leaf packages turn up.
package archive

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/polydeploy/internal/logging"
)

// DefaultManifestExt marks a zip as a leaf package.
const DefaultManifestExt = ".dnn"

// Scanner walks an intake directory for leaf package archives.
type Scanner struct {
	ManifestExt string
	Scratch     *DirAllocator
	Logger      zerolog.Logger
}

// NewScanner returns a scanner that expands containers under scratchBase.
func NewScanner(manifestExt, scratchBase string) *Scanner {
	if manifestExt == "" {
		manifestExt = DefaultManifestExt
	}
	return &Scanner{
		ManifestExt: manifestExt,
		Scratch:     NewDirAllocator(scratchBase),
		Logger:      logging.Component("scanner"),
	}
}

// Scan returns the leaf package archives found in dir. Unreadable archives
// are skipped; only a failure to list dir itself is reported.
func (s *Scanner) Scan(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var packages []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if !e.Type().IsRegular() {
			// Symlinks count when they resolve to a regular file.
			info, err := os.Stat(p)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
		}
		packages = append(packages, s.visit(p)...)
	}
	return packages, nil
}

// scanTree is Scan over a whole scratch subtree, since a container may keep
// its nested archives in folders.
func (s *Scanner) scanTree(root string) ([]string, error) {
	var packages []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			packages = append(packages, s.visit(p)...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return packages, nil
}

func (s *Scanner) visit(p string) []string {
	if !IsCandidate(p) {
		return nil
	}
	found, err := s.inspect(p)
	if err != nil {
		s.Logger.Debug().Err(err).Str("archive", p).Msg("Skipping unreadable archive")
		return nil
	}
	return found
}

func (s *Scanner) inspect(p string) ([]string, error) {
	leaf, err := HasEntryWithExt(p, s.ManifestExt)
	if err != nil {
		return nil, err
	}
	if leaf {
		s.Logger.Debug().Str("archive", p).Msg("Found package")
		return []string{p}, nil
	}
	container, err := HasEntryWithExt(p, ZipExt)
	if err != nil {
		return nil, err
	}
	if !container {
		s.Logger.Debug().Str("archive", p).Msg("No package or nested archive")
		return nil, nil
	}
	scratch, err := s.Scratch.Allocate()
	if err != nil {
		return nil, err
	}
	if err := Extract(p, scratch); err != nil {
		return nil, err
	}
	s.Logger.Debug().Str("archive", p).Str("scratch", scratch).Msg("Expanded container")
	return s.scanTree(scratch)
}
