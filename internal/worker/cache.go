package worker

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/eval"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger/tag"
)

// restoreCache restores the pipeline cache into the workspace before the
// first step runs. Misses and errors are informational; the stage proceeds
// either way. Returns the resolved cache key for the save after success.
func (w *Worker) restoreCache(ctx context.Context, a *core.JobAssignedEvent, ectx *eval.Context, workdir string) string {
	if w.cache == nil || a.Cache == nil || a.Cache.Key == "" {
		return ""
	}
	key := eval.Interpolate(a.Cache.Key, ectx)

	data, err := w.cache.Restore(ctx, key)
	if errors.Is(err, core.ErrCacheMiss) {
		w.publishCacheEvent(ctx, &core.CacheMissEvent{RunID: a.RunID, Key: key})
		return key
	}
	if err != nil {
		logger.Warn(ctx, "Cache restore failed", tag.Key(key), tag.Error(err))
		return key
	}
	if err := unpackArchive(data, workdir); err != nil {
		logger.Warn(ctx, "Cache unpack failed", tag.Key(key), tag.Error(err))
		return key
	}
	w.publishCacheEvent(ctx, &core.CacheHitEvent{RunID: a.RunID, Key: key})
	return key
}

// saveCache uploads the declared cache paths after a successful stage.
func (w *Worker) saveCache(ctx context.Context, a *core.JobAssignedEvent, key, workdir string) {
	if w.cache == nil || a.Cache == nil || key == "" || len(a.Cache.Paths) == 0 {
		return
	}
	data, err := packArchive(workdir, a.Cache.Paths)
	if err != nil {
		logger.Warn(ctx, "Cache pack failed", tag.Key(key), tag.Error(err))
		return
	}
	if len(data) == 0 {
		return
	}
	if err := w.cache.Save(ctx, key, data, 0); err != nil {
		logger.Warn(ctx, "Cache upload failed", tag.Key(key), tag.Error(err))
		return
	}
	w.publishCacheEvent(ctx, &core.CacheUploadedEvent{
		RunID:     a.RunID,
		Key:       key,
		SizeBytes: int64(len(data)),
	})
}

// collectArtifacts archives the declared artifact paths into the artifact
// directory.
func (w *Worker) collectArtifacts(ctx context.Context, a *core.JobAssignedEvent, ectx *eval.Context, workdir string) {
	if a.Artifacts == nil || len(a.Artifacts.Paths) == 0 || w.cfg.ArtifactDir == "" {
		return
	}
	patterns := make([]string, 0, len(a.Artifacts.Paths))
	for _, p := range a.Artifacts.Paths {
		patterns = append(patterns, eval.Interpolate(p, ectx))
	}
	data, err := packArchive(workdir, patterns)
	if err != nil {
		logger.Warn(ctx, "Artifact pack failed",
			tag.RunID(string(a.RunID)), tag.Error(err))
		return
	}
	if len(data) == 0 {
		return
	}

	dir := filepath.Join(w.cfg.ArtifactDir, string(a.RunID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn(ctx, "Failed to create artifact directory", tag.Dir(dir), tag.Error(err))
		return
	}
	name := fmt.Sprintf("%s-%d-%d.tar.gz", a.Stage.Name, a.JobIndex, time.Now().Unix())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logger.Warn(ctx, "Failed to write artifact archive", tag.File(path), tag.Error(err))
		return
	}
	logger.Info(ctx, "Artifacts collected",
		tag.RunID(string(a.RunID)),
		tag.Stage(a.Stage.Name),
		tag.File(path))
}

func (w *Worker) publishCacheEvent(ctx context.Context, evt core.Event) {
	if err := w.bus.Publish(ctx, evt); err != nil {
		logger.Warn(ctx, "Failed to publish cache event",
			tag.EventType(evt.EventType()), tag.Error(err))
	}
}

// packArchive builds a gzipped tar of the files under root matching the
// doublestar patterns. Returns nil data when nothing matched.
func packArchive(root string, patterns []string) ([]byte, error) {
	seen := make(map[string]struct{})
	var files []string
	rootFS := os.DirFS(root)
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(rootFS, pattern)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if _, dup := seen[m]; !dup {
				seen[m] = struct{}{}
				files = append(files, m)
			}
		}
	}
	if len(files) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, rel := range files {
		if err := addToArchive(tw, root, rel); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

func addToArchive(tw *tar.Writer, root, rel string) error {
	full := filepath.Join(root, rel)
	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return filepath.WalkDir(full, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			sub, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			return addToArchive(tw, root, sub)
		})
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("header for %s: %w", rel, err)
	}
	header.Name = filepath.ToSlash(rel)
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %s: %w", rel, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archive %s: %w", rel, err)
	}
	return nil
}

// unpackArchive extracts a gzipped tar under root, refusing entries that
// escape it.
func unpackArchive(data []byte, root string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		target := filepath.Join(root, filepath.FromSlash(header.Name))
		rel, err := filepath.Rel(root, target)
		if err != nil || rel == ".." || filepath.IsAbs(rel) ||
			len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
			return fmt.Errorf("archive entry %q escapes workspace", header.Name)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create %s: %w", header.Name, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return fmt.Errorf("create %s: %w", header.Name, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return fmt.Errorf("extract %s: %w", header.Name, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close %s: %w", header.Name, err)
			}
		}
	}
	return nil
}
