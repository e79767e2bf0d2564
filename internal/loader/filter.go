package loader

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
)

// DefaultIgnoreFile is the per-directory ignore file honored while seeding
const DefaultIgnoreFile = ".kernelignore"

// Filter decides whether a host path, relative to the seeded root and
// slash-separated, is copied in
type Filter func(relPath string, isDir bool) bool

// BuildFilter creates a Filter that:
// 1. Always excludes .git and the ignore files themselves
// 2. Checks excludes (force-exclude, highest priority)
// 3. Applies the ignore-file rules collected from hostDir
func BuildFilter(hostDir, ignoreFile string, excludes []string) Filter {
	if ignoreFile == "" {
		ignoreFile = DefaultIgnoreFile
	}
	matcher, err := newIgnoreMatcher(hostDir, ignoreFile)
	if err != nil {
		log.Warnf("[Loader] failed to build %s matcher: %v", ignoreFile, err)
	}

	return func(relPath string, isDir bool) bool {
		if under(relPath, ".git") {
			return false
		}
		if !isDir && filepath.Base(relPath) == ignoreFile {
			return false
		}
		for _, exc := range excludes {
			if under(relPath, strings.Trim(exc, "/")) {
				return false
			}
		}
		return !matcher.isIgnored(relPath, isDir)
	}
}

// under reports whether relPath is dir or lies beneath it
func under(relPath, dir string) bool {
	return relPath == dir || strings.HasPrefix(relPath, dir+"/")
}

// ignoreMatcher collects ignore-file rules from a host tree
type ignoreMatcher struct {
	matchers []scopedMatcher
}

type scopedMatcher struct {
	dirPrefix string
	ignore    *ignore.GitIgnore
}

func newIgnoreMatcher(hostDir, ignoreFile string) (*ignoreMatcher, error) {
	m := &ignoreMatcher{}

	err := filepath.WalkDir(hostDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" && path != hostDir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != ignoreFile {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		relDir, relErr := filepath.Rel(hostDir, filepath.Dir(path))
		if relErr != nil {
			return nil
		}
		relDir = filepath.ToSlash(relDir)
		if relDir == "." {
			relDir = ""
		}

		m.matchers = append(m.matchers, scopedMatcher{
			dirPrefix: relDir,
			ignore:    ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ignoreMatcher) isIgnored(relPath string, isDir bool) bool {
	if m == nil || len(m.matchers) == 0 {
		return false
	}

	checkPath := relPath
	if isDir {
		checkPath = relPath + "/"
	}

	for _, sm := range m.matchers {
		pathToCheck := checkPath
		if sm.dirPrefix != "" {
			prefix := sm.dirPrefix + "/"
			if !strings.HasPrefix(relPath, prefix) {
				continue
			}
			pathToCheck = strings.TrimPrefix(checkPath, prefix)
		}
		if sm.ignore.MatchesPath(pathToCheck) {
			return true
		}
	}
	return false
}
