package epub

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

const testContainerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

const testPackageOPF = `<?xml version="1.0" encoding="UTF-8"?>
<package version="2.0" unique-identifier="bookid" xmlns="http://www.idpf.org/2007/opf">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>Test Book</dc:title>
    <dc:language>en</dc:language>
    <dc:creator>Nobody</dc:creator>
  </metadata>
  <manifest>
    <item id="ch01" href="ch01.xhtml" media-type="application/xhtml+xml"/>
    <item id="ncx" href="toc.ncx" media-type="application/x-dtbncx+xml"/>
  </manifest>
  <spine toc="ncx">
    <itemref idref="ch01"/>
  </spine>
</package>`

const testChapterXHTML = `<?xml version="1.0" encoding="utf-8"?>
<html xmlns="http://www.w3.org/1999/xhtml" lang="en" xml:lang="en-GB">
<head><title>One</title></head>
<body><p>Hi&nbsp;there</p></body>
</html>`

const testNCX = `<?xml version="1.0" encoding="UTF-8"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <navMap><navPoint id="n1"><navLabel><text>One</text></navLabel><content src="ch01.xhtml"/></navPoint></navMap>
</ncx>`

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testEntries() map[string]string {
	return map[string]string{
		"META-INF/container.xml": testContainerXML,
		"OEBPS/content.opf":      testPackageOPF,
		"OEBPS/ch01.xhtml":       testChapterXHTML,
		"OEBPS/toc.ncx":          testNCX,
		"OEBPS/style.css":        "p { margin: 0; }",
	}
}

// writeTestEPUB builds a minimal EPUB archive with a stored mimetype entry
// followed by the given entries in name order.
func writeTestEPUB(t *testing.T, path string, entries map[string]string) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create test archive: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)

	mw, err := w.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		t.Fatalf("Failed to create mimetype entry: %v", err)
	}
	if _, err := mw.Write([]byte("application/epub+zip")); err != nil {
		t.Fatalf("Failed to write mimetype entry: %v", err)
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ew, err := w.Create(name)
		if err != nil {
			t.Fatalf("Failed to create entry %s: %v", name, err)
		}
		if _, err := ew.Write([]byte(entries[name])); err != nil {
			t.Fatalf("Failed to write entry %s: %v", name, err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close test archive: %v", err)
	}
}

func extractTestEPUB(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	src := filepath.Join(dir, "book.epub")
	writeTestEPUB(t, src, testEntries())

	dest := filepath.Join(dir, "book")
	if err := NewExtractor(testLogger()).Extract(src, dest); err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}

	return dest
}

func TestExtractUnpacksAllEntries(t *testing.T) {
	dest := extractTestEPUB(t)

	for name, expected := range testEntries() {
		data, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		if err != nil {
			t.Fatalf("Missing extracted file %s: %v", name, err)
		}
		if string(data) != expected {
			t.Errorf("Extracted %s does not match.\nExpected: %q\nGot:      %q", name, expected, string(data))
		}
	}
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "evil.epub")

	f, err := os.Create(src)
	if err != nil {
		t.Fatalf("Failed to create archive: %v", err)
	}
	w := zip.NewWriter(f)
	ew, err := w.Create("../evil.txt")
	if err != nil {
		t.Fatalf("Failed to create entry: %v", err)
	}
	if _, err := ew.Write([]byte("outside")); err != nil {
		t.Fatalf("Failed to write entry: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close archive: %v", err)
	}
	f.Close()

	dest := filepath.Join(dir, "out")
	if err := NewExtractor(testLogger()).Extract(src, dest); err == nil {
		t.Error("Expected error for entry escaping the extraction directory, got nil")
	}
}

func TestTranslatableFiles(t *testing.T) {
	dest := extractTestEPUB(t)

	files, err := TranslatableFiles(dest)
	if err != nil {
		t.Fatalf("TranslatableFiles returned error: %v", err)
	}

	expected := []string{"OEBPS/ch01.xhtml", "OEBPS/toc.ncx"}
	if len(files) != len(expected) {
		t.Fatalf("Expected %d files, got %d: %v", len(expected), len(files), files)
	}
	for i, file := range files {
		if file != expected[i] {
			t.Errorf("File %d does not match.\nExpected: %q\nGot:      %q", i, expected[i], file)
		}
	}
}

func TestFindOPF(t *testing.T) {
	dest := extractTestEPUB(t)

	opf, err := FindOPF(dest)
	if err != nil {
		t.Fatalf("FindOPF returned error: %v", err)
	}
	if opf != "OEBPS/content.opf" {
		t.Errorf("Expected OEBPS/content.opf, got %q", opf)
	}
}

func TestParsePackage(t *testing.T) {
	dest := extractTestEPUB(t)

	pkg, err := ParsePackage(filepath.Join(dest, "OEBPS", "content.opf"))
	if err != nil {
		t.Fatalf("ParsePackage returned error: %v", err)
	}

	if pkg.Metadata.Title != "Test Book" {
		t.Errorf("Expected title %q, got %q", "Test Book", pkg.Metadata.Title)
	}
	if pkg.Metadata.Language != "en" {
		t.Errorf("Expected language %q, got %q", "en", pkg.Metadata.Language)
	}
	if len(pkg.Manifest.Items) != 2 {
		t.Errorf("Expected 2 manifest items, got %d", len(pkg.Manifest.Items))
	}
}

func TestPackageWritesMimetypeFirstAndStored(t *testing.T) {
	dest := extractTestEPUB(t)
	out := filepath.Join(t.TempDir(), "book-zh.epub")

	if err := NewPackager(testLogger()).Package(dest, out); err != nil {
		t.Fatalf("Package returned error: %v", err)
	}

	reader, err := zip.OpenReader(out)
	if err != nil {
		t.Fatalf("Failed to open packaged archive: %v", err)
	}
	defer reader.Close()

	if len(reader.File) == 0 {
		t.Fatal("Packaged archive is empty")
	}

	first := reader.File[0]
	if first.Name != "mimetype" {
		t.Errorf("First entry is %q, expected mimetype", first.Name)
	}
	if first.Method != zip.Store {
		t.Errorf("Mimetype entry is compressed (method %d), expected stored", first.Method)
	}

	rc, err := first.Open()
	if err != nil {
		t.Fatalf("Failed to open mimetype entry: %v", err)
	}
	content, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("Failed to read mimetype entry: %v", err)
	}
	if string(content) != "application/epub+zip" {
		t.Errorf("Mimetype content is %q", string(content))
	}
}

func TestPackageMirrorsTree(t *testing.T) {
	dest := extractTestEPUB(t)
	out := filepath.Join(t.TempDir(), "book-zh.epub")

	if err := NewPackager(testLogger()).Package(dest, out); err != nil {
		t.Fatalf("Package returned error: %v", err)
	}

	reader, err := zip.OpenReader(out)
	if err != nil {
		t.Fatalf("Failed to open packaged archive: %v", err)
	}
	defer reader.Close()

	got := make(map[string]string)
	for _, file := range reader.File {
		rc, err := file.Open()
		if err != nil {
			t.Fatalf("Failed to open entry %s: %v", file.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("Failed to read entry %s: %v", file.Name, err)
		}
		got[file.Name] = string(data)
	}

	expected := testEntries()
	expected["mimetype"] = "application/epub+zip"

	if len(got) != len(expected) {
		t.Fatalf("Entry count mismatch: expected %d, got %d", len(expected), len(got))
	}
	for name, content := range expected {
		if got[name] != content {
			t.Errorf("Entry %s does not match the source tree", name)
		}
	}
}

func TestUpdateLanguage(t *testing.T) {
	dest := extractTestEPUB(t)
	opfPath := filepath.Join(dest, "OEBPS", "content.opf")

	if err := NewPackager(testLogger()).UpdateLanguage(opfPath, "zh"); err != nil {
		t.Fatalf("UpdateLanguage returned error: %v", err)
	}

	data, err := os.ReadFile(opfPath)
	if err != nil {
		t.Fatalf("Failed to read updated package file: %v", err)
	}

	updated := string(data)
	if !strings.Contains(updated, "<dc:language>zh</dc:language>") {
		t.Error("dc:language was not rewritten")
	}
	if expected := strings.Replace(testPackageOPF, "<dc:language>en</dc:language>", "<dc:language>zh</dc:language>", 1); updated != expected {
		t.Error("UpdateLanguage changed more than the dc:language element")
	}
}

func TestUpdateLanguageWithoutElement(t *testing.T) {
	dir := t.TempDir()
	opfPath := filepath.Join(dir, "content.opf")

	original := `<?xml version="1.0"?><package><metadata></metadata></package>`
	if err := os.WriteFile(opfPath, []byte(original), 0644); err != nil {
		t.Fatalf("Failed to write package file: %v", err)
	}

	if err := NewPackager(testLogger()).UpdateLanguage(opfPath, "zh"); err != nil {
		t.Fatalf("UpdateLanguage returned error: %v", err)
	}

	data, err := os.ReadFile(opfPath)
	if err != nil {
		t.Fatalf("Failed to read package file: %v", err)
	}
	if string(data) != original {
		t.Error("Package file changed although no dc:language element exists")
	}
}

func TestCheckWellFormed(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.xhtml")
	if err := os.WriteFile(good, []byte(testChapterXHTML), 0644); err != nil {
		t.Fatalf("Failed to write document: %v", err)
	}

	bad := filepath.Join(dir, "bad.xhtml")
	if err := os.WriteFile(bad, []byte(`<html><body><div><p>oops</div></body></html>`), 0644); err != nil {
		t.Fatalf("Failed to write document: %v", err)
	}

	v := NewValidator(testLogger())

	if err := v.CheckWellFormed(good); err != nil {
		t.Errorf("Expected well-formed document, got error: %v", err)
	}
	if err := v.CheckWellFormed(bad); err == nil {
		t.Error("Expected error for mismatched tags, got nil")
	}
}

func TestLangAttributes(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "doc.xhtml")
	if err := os.WriteFile(path, []byte(testChapterXHTML), 0644); err != nil {
		t.Fatalf("Failed to write document: %v", err)
	}

	values, err := NewValidator(testLogger()).LangAttributes(path)
	if err != nil {
		t.Fatalf("LangAttributes returned error: %v", err)
	}

	if len(values) != 2 {
		t.Fatalf("Expected 2 lang attributes, got %d: %v", len(values), values)
	}
	if values[0] != "en" || values[1] != "en-GB" {
		t.Errorf("Unexpected lang attribute values: %v", values)
	}
}
