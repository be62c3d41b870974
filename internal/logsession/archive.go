package logsession

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/klauspost/compress/gzip"
)

var logFilePattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}_\d{2}:\d{2}:\d{2})_(.+?)\.log$`)

// Archive bundles loose log files in dir into one <date-code>.tar.gz per
// embedded date code and removes the originals. Files that do not match the
// log naming scheme are left alone. It returns the archives written.
func Archive(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read logs directory: %w", err)
	}

	groups := make(map[string][]string)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		m := logFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		groups[m[1]] = append(groups[m[1]], entry.Name())
	}

	codes := make([]string, 0, len(groups))
	for code := range groups {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var archives []string
	var errs []error
	for _, code := range codes {
		files := groups[code]
		sort.Strings(files)

		target := archivePath(dir, code)
		if err := writeArchive(target, dir, files); err != nil {
			errs = append(errs, err)
			continue
		}
		archives = append(archives, target)

		for _, name := range files {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				errs = append(errs, fmt.Errorf("failed to remove %s: %w", name, err))
			}
		}
	}

	return archives, errors.Join(errs...)
}

// archivePath picks <code>.tar.gz, adding a numeric suffix when an archive
// for the same date code already exists.
func archivePath(dir, code string) string {
	path := filepath.Join(dir, code+".tar.gz")
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s.%d.tar.gz", code, i))
	}
}

func writeArchive(target, dir string, files []string) (err error) {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close archive: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(target)
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, name := range files {
		if err := addFile(tw, filepath.Join(dir, name), name); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finalize gzip stream: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", name, err)
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to build tar header for %s: %w", name, err)
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", name, err)
	}
	if _, err := io.CopyN(tw, f, header.Size); err != nil {
		return fmt.Errorf("failed to archive %s: %w", name, err)
	}
	return nil
}
