package storage

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
)

// WriteArchive streams a tar.gz of the report document and its screenshots
// to w
func (s *Store) WriteArchive(w io.Writer, reportID string) error {
	dir, err := s.reportDir(reportID)
	if err != nil {
		return err
	}
	if ok, _ := afero.DirExists(s.fs, dir); !ok {
		return ErrReportNotFound
	}

	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	walkErr := afero.Walk(s.fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path.Ext(p) == ".tmp" {
			return nil
		}

		header, err := tar.FileInfoHeader(info, info.Name())
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		header.Name = path.Join(reportID, filepath.ToSlash(relPath))

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if !info.IsDir() {
			file, err := s.fs.Open(p)
			if err != nil {
				return err
			}
			defer file.Close()

			_, err = io.Copy(tarWriter, file)
			return err
		}

		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("failed to archive report %s: %w", reportID, walkErr)
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}
