package backup

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	appErrors "app-backup/internal/errors"
	"app-backup/internal/logging"
)

// TreeCopier mirrors an application tree into a staging directory
type TreeCopier struct {
	logger *logging.Logger
	// always holds absolute paths that are never copied, such as the
	// staging root or output directory when they live inside the source.
	always []string
}

// NewTreeCopier creates a copier that never descends into the given paths
func NewTreeCopier(logger *logging.Logger, alwaysExclude ...string) *TreeCopier {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	tc := &TreeCopier{logger: logger}
	for _, p := range alwaysExclude {
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			tc.always = append(tc.always, abs)
		}
	}
	return tc
}

type dirAttrs struct {
	path    string
	mode    fs.FileMode
	modTime time.Time
}

// Copy reproduces sourceRoot under stagingPath, skipping anything that matches
// excludePatterns. Existing files are overwritten and directories reused.
func (tc *TreeCopier) Copy(ctx context.Context, sourceRoot, stagingPath string, excludePatterns []string) (*CopyStats, error) {
	// The walk never follows symlinks, so a symlinked source root is resolved
	// first and every path compared against the walk lives in resolved form.
	srcRoot, err := filepath.Abs(sourceRoot)
	if err != nil {
		return nil, NewIOError("invalid source root", err).WithContext("path", sourceRoot)
	}
	if resolved, err := filepath.EvalSymlinks(srcRoot); err == nil {
		srcRoot = resolved
	}
	dstRoot, err := filepath.Abs(stagingPath)
	if err != nil {
		return nil, NewIOError("invalid staging path", err).WithContext("path", stagingPath)
	}
	if resolved, err := filepath.EvalSymlinks(dstRoot); err == nil {
		dstRoot = resolved
	}

	info, err := os.Stat(srcRoot)
	if err != nil {
		return nil, tc.fsError("source root is not readable", srcRoot, err)
	}
	if !info.IsDir() {
		return nil, NewIOError("source root is not a directory", nil).WithContext("path", srcRoot)
	}

	// Only roots strictly inside the source tree can be reached by the walk.
	var always []string
	for _, root := range append([]string{dstRoot}, resolveEntries(tc.always)...) {
		if root != srcRoot && isWithinAny(root, []string{srcRoot}) {
			always = append(always, root)
		}
	}
	stats := &CopyStats{}
	var dirs []dirAttrs

	walkErr := filepath.WalkDir(srcRoot, func(p string, d fs.DirEntry, err error) error {
		if cerr := ctxError(ctx); cerr != nil {
			return cerr
		}
		if err != nil {
			return tc.fsError("failed to read source entry", p, err)
		}
		if p == srcRoot {
			return nil
		}

		if isWithinAny(p, always) {
			tc.logger.WithField("path", p).Debug("Skipping excluded internal path")
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(srcRoot, p)
		if err != nil {
			return NewIOError("failed to compute relative path", err).WithContext("path", p)
		}
		if MatchesExclude(excludePatterns, filepath.ToSlash(rel)) {
			stats.Skipped++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dstRoot, rel)
		info, err := d.Info()
		if err != nil {
			return tc.fsError("failed to stat source entry", p, err)
		}

		switch mode := info.Mode(); {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o700); err != nil {
				return tc.fsError("failed to create staging directory", target, err)
			}
			dirs = append(dirs, dirAttrs{path: target, mode: mode.Perm(), modTime: info.ModTime()})
			stats.Dirs++
		case mode&fs.ModeSymlink != 0:
			if err := copySymlink(p, target); err != nil {
				return tc.fsError("failed to recreate symlink", p, err)
			}
			stats.Symlinks++
		case mode.IsRegular():
			n, err := copyRegularFile(p, target, info)
			if err != nil {
				return tc.fsError("failed to copy file", p, err)
			}
			stats.Files++
			stats.Bytes += n
		default:
			tc.logger.WithFields(map[string]interface{}{
				"path": p,
				"mode": mode.String(),
			}).Debug("Skipping special file")
			stats.Skipped++
		}
		return nil
	})
	if walkErr != nil {
		if be, ok := walkErr.(*BackupError); ok {
			return nil, be.WithStage(StageCopying)
		}
		return nil, NewIOError("tree copy failed", walkErr).WithStage(StageCopying)
	}

	// Directory modes and times are applied last, deepest first, so that
	// read-only directories can still be populated.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chmod(dirs[i].path, dirs[i].mode|0o700); err != nil {
			return nil, tc.fsError("failed to set directory mode", dirs[i].path, err).WithStage(StageCopying)
		}
		_ = os.Chtimes(dirs[i].path, dirs[i].modTime, dirs[i].modTime)
	}

	return stats, nil
}

func (tc *TreeCopier) fsError(message, p string, err error) *BackupError {
	if be, ok := err.(*BackupError); ok {
		return be
	}
	kind := appErrors.GetErrorType(err)
	return NewIOError(message, err).
		WithContext("path", p).
		WithContext("kind", string(kind))
}

func copyRegularFile(src, dst string, info fs.FileInfo) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}
	if err := out.Close(); err != nil {
		return n, err
	}
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return n, err
	}
	return n, os.Chtimes(dst, info.ModTime(), info.ModTime())
}

func copySymlink(src, dst string) error {
	link, err := os.Readlink(src)
	if err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Symlink(link, dst)
}

// resolveEntries maps absolute paths to the names the walk reports for them:
// the parent directory is resolved and the final element kept, so excluded
// files may be missing or be symlinks themselves. A fully resolved form is
// added when it differs.
func resolveEntries(paths []string) []string {
	var out []string
	for _, p := range paths {
		entry := p
		if parent, err := filepath.EvalSymlinks(filepath.Dir(p)); err == nil {
			entry = filepath.Join(parent, filepath.Base(p))
		}
		out = append(out, entry)
		if full, err := filepath.EvalSymlinks(p); err == nil && full != entry {
			out = append(out, full)
		}
	}
	return out
}

func isWithinAny(p string, roots []string) bool {
	for _, root := range roots {
		if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// MatchesExclude reports whether the slash-separated relative path rel is
// excluded. Patterns without a slash match the base name; patterns with a
// slash are doublestar globs over the whole relative path. A pattern ending
// in "/**" also matches the directory itself.
func MatchesExclude(patterns []string, rel string) bool {
	base := path.Base(rel)
	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "./")
		if pattern == "" {
			continue
		}
		if !strings.Contains(pattern, "/") {
			if ok, _ := doublestar.Match(pattern, base); ok {
				return true
			}
			continue
		}
		pattern = strings.TrimSuffix(pattern, "/")
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if prefix, cut := strings.CutSuffix(pattern, "/**"); cut {
			if ok, _ := doublestar.Match(prefix, rel); ok {
				return true
			}
		}
	}
	return false
}
