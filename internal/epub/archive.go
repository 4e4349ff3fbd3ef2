package epub

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// translatableExts are the markup extensions the pipeline submits for
// translation.
var translatableExts = map[string]bool{
	".xhtml": true,
	".html":  true,
	".htm":   true,
	".xml":   true,
	".ncx":   true,
}

type Extractor struct {
	logger *logrus.Logger
}

func NewExtractor(logger *logrus.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract unpacks the archive at src into dest, creating it as needed.
func (e *Extractor) Extract(src, dest string) error {
	e.logger.Debugf("Extracting archive %s into %s", src, dest)

	reader, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer reader.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}

	for _, file := range reader.File {
		if err := e.extractFile(file, dest); err != nil {
			return fmt.Errorf("failed to extract %s: %w", file.Name, err)
		}
	}

	return nil
}

func (e *Extractor) extractFile(file *zip.File, dest string) error {
	path := filepath.Join(dest, file.Name)

	// Reject entries that escape the extraction directory.
	if !strings.HasPrefix(path, filepath.Clean(dest)+string(os.PathSeparator)) {
		return fmt.Errorf("illegal entry path: %s", file.Name)
	}

	if file.FileInfo().IsDir() {
		return os.MkdirAll(path, 0755)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	outFile, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer outFile.Close()

	_, err = io.Copy(outFile, rc)
	return err
}

// TranslatableFiles walks the extracted tree and returns the slash-separated
// relative paths of every translatable document, in lexical order.
// container.xml and everything under META-INF are never translatable.
func TranslatableFiles(root string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if d.Name() == "META-INF" {
				return filepath.SkipDir
			}
			return nil
		}

		if !translatableExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if strings.EqualFold(d.Name(), "container.xml") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk extraction directory: %w", err)
	}

	return files, nil
}

// FindOPF locates the package document through META-INF/container.xml and
// returns its path relative to root.
func FindOPF(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, "META-INF", "container.xml"))
	if err != nil {
		return "", fmt.Errorf("failed to read container.xml: %w", err)
	}

	var container Container
	if err := xml.Unmarshal(data, &container); err != nil {
		return "", fmt.Errorf("failed to parse container.xml: %w", err)
	}

	if len(container.Rootfiles) == 0 {
		return "", fmt.Errorf("no rootfiles found in container.xml")
	}

	return container.Rootfiles[0].FullPath, nil
}

// ParsePackage reads the OPF package document at path.
func ParsePackage(path string) (*Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read package file: %w", err)
	}

	var pkg Package
	if err := xml.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("failed to parse package file: %w", err)
	}

	return &pkg, nil
}
