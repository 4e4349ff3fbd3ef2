package epub

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/sirupsen/logrus"
)

var dcLanguage = regexp.MustCompile(`(<dc:language[^>]*>)[^<]*(</dc:language>)`)

type Packager struct {
	logger *logrus.Logger
}

func NewPackager(logger *logrus.Logger) *Packager {
	return &Packager{logger: logger}
}

// Package zips the extracted tree at sourceDir into outputPath. The mimetype
// entry comes first and is stored uncompressed as EPUB requires; every other
// entry is compressed, mirroring the directory exactly.
func (p *Packager) Package(sourceDir, outputPath string) error {
	p.logger.Debugf("Packaging %s into %s", sourceDir, outputPath)

	zipFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output archive: %w", err)
	}
	defer func() { _ = zipFile.Close() }()

	zipWriter := zip.NewWriter(zipFile)
	defer func() { _ = zipWriter.Close() }()

	if err := p.writeMimetype(zipWriter, sourceDir); err != nil {
		return fmt.Errorf("failed to write mimetype entry: %w", err)
	}

	err = filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}

		if relPath == "mimetype" {
			return nil
		}

		return p.addFile(zipWriter, path, filepath.ToSlash(relPath))
	})
	if err != nil {
		return fmt.Errorf("failed to package directory: %w", err)
	}

	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}

	p.logger.Infof("Packaged archive: %s", outputPath)
	return nil
}

// writeMimetype stores the mimetype entry first and uncompressed. When the
// extracted tree carries its own mimetype file its content is reused,
// otherwise the canonical EPUB media type is written.
func (p *Packager) writeMimetype(zipWriter *zip.Writer, sourceDir string) error {
	content := []byte("application/epub+zip")
	if data, err := os.ReadFile(filepath.Join(sourceDir, "mimetype")); err == nil {
		content = data
	}

	writer, err := zipWriter.CreateHeader(&zip.FileHeader{
		Name:   "mimetype",
		Method: zip.Store,
	})
	if err != nil {
		return err
	}

	_, err = writer.Write(content)
	return err
}

func (p *Packager) addFile(zipWriter *zip.Writer, filePath, relPath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	writer, err := zipWriter.Create(relPath)
	if err != nil {
		return err
	}

	_, err = io.Copy(writer, file)
	return err
}

// UpdateLanguage rewrites the dc:language element content of the package
// document in place. The document is edited surgically so nothing else in
// the file changes. A missing dc:language element is logged, not an error.
func (p *Packager) UpdateLanguage(opfPath, lang string) error {
	data, err := os.ReadFile(opfPath)
	if err != nil {
		return fmt.Errorf("failed to read package file: %w", err)
	}

	if !dcLanguage.Match(data) {
		p.logger.Infof("No dc:language element found in %s", opfPath)
		return nil
	}

	updated := dcLanguage.ReplaceAll(data, []byte("${1}"+lang+"${2}"))
	if bytes.Equal(updated, data) {
		return nil
	}

	if err := os.WriteFile(opfPath, updated, 0644); err != nil {
		return fmt.Errorf("failed to write package file: %w", err)
	}

	p.logger.Debugf("Set dc:language to %s in %s", lang, opfPath)
	return nil
}
