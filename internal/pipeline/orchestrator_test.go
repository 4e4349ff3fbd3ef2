package pipeline

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"book-translator/internal/book"
	"book-translator/internal/tokenizer"
)

const pipelineContainerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

const pipelinePackageOPF = `<?xml version="1.0" encoding="UTF-8"?>
<package version="2.0" unique-identifier="bookid" xmlns="http://www.idpf.org/2007/opf">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>Sample</dc:title>
    <dc:language>en</dc:language>
  </metadata>
  <manifest>
    <item id="ch01" href="ch01.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine><itemref idref="ch01"/></spine>
</package>`

const pipelineChapter = `<?xml version="1.0" encoding="utf-8"?>
<html xmlns="http://www.w3.org/1999/xhtml" lang="en-US">
<head><title>One</title></head>
<body><script>alert(1)</script><p>Hello</p></body>
</html>`

// stubTranslator counts calls and delegates to optional func fields. The
// zero value echoes its input.
type stubTranslator struct {
	calls       int
	batchCalls  int
	translateFn func(ctx context.Context, text string, doNotTranslate []string) (string, error)
	batchFn     func(ctx context.Context, texts []string) ([]string, error)
}

func (s *stubTranslator) Translate(ctx context.Context, text string, doNotTranslate []string) (string, error) {
	s.calls++
	if s.translateFn != nil {
		return s.translateFn(ctx, text, doNotTranslate)
	}
	return text, nil
}

func (s *stubTranslator) TranslateBatch(ctx context.Context, texts []string) ([]string, error) {
	s.batchCalls++
	if s.batchFn != nil {
		return s.batchFn(ctx, texts)
	}
	out := make([]string, len(texts))
	copy(out, texts)
	return out, nil
}

func (s *stubTranslator) Name() string { return "stub" }

func newTestOrchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()

	if opts.Tokenizer == nil {
		opts.Tokenizer = tokenizer.NewEstimator()
	}
	if opts.TokenLimit == 0 {
		opts.TokenLimit = 500
	}
	if opts.TargetLang == "" {
		opts.TargetLang = "zh"
	}

	orch, err := New(opts, testLogger())
	require.NoError(t, err)

	return orch
}

// newTestBook builds a one-item book with real backing paths so Translate
// can reassemble and snapshot.
func newTestBook(t *testing.T, chunks ...*book.Chunk) (*book.Book, *book.Item) {
	t.Helper()

	dir := t.TempDir()
	workDir := filepath.Join(dir, "sample")
	require.NoError(t, os.MkdirAll(workDir, 0755))

	path := filepath.Join(workDir, "ch01.xhtml")
	require.NoError(t, os.WriteFile(path, []byte("<p>placeholder</p>"), 0644))

	item := &book.Item{
		ID:     "ch01.xhtml",
		Chunks: chunks,
		Path:   path,
	}

	bk := book.New("sample", filepath.Join(dir, "sample.epub"), workDir)
	bk.AddItem(item)

	return bk, item
}

func writePipelineEPUB(t *testing.T, path string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)

	mw, err := w.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	require.NoError(t, err)
	_, err = mw.Write([]byte("application/epub+zip"))
	require.NoError(t, err)

	entries := []struct{ name, content string }{
		{"META-INF/container.xml", pipelineContainerXML},
		{"OEBPS/content.opf", pipelinePackageOPF},
		{"OEBPS/ch01.xhtml", pipelineChapter},
		{"OEBPS/style.css", "p { margin: 0; }"},
	}
	for _, entry := range entries {
		ew, err := w.Create(entry.name)
		require.NoError(t, err)
		_, err = ew.Write([]byte(entry.content))
		require.NoError(t, err)
	}

	require.NoError(t, w.Close())
}

func TestNewValidatesOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{
			name: "missing translator",
			opts: Options{Tokenizer: tokenizer.NewEstimator(), TokenLimit: 10, TargetLang: "zh"},
		},
		{
			name: "missing target language",
			opts: Options{Translator: &stubTranslator{}, Tokenizer: tokenizer.NewEstimator(), TokenLimit: 10},
		},
		{
			name: "missing tokenizer",
			opts: Options{Translator: &stubTranslator{}, TokenLimit: 10, TargetLang: "zh"},
		},
		{
			name: "zero token limit",
			opts: Options{Translator: &stubTranslator{}, Tokenizer: tokenizer.NewEstimator(), TargetLang: "zh"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts, testLogger())
			assert.Error(t, err)
		})
	}
}

func TestTranslateSkipsCompletedChunks(t *testing.T) {
	stub := &stubTranslator{}
	orch := newTestOrchestrator(t, Options{Translator: stub, SkipTranslated: true})

	bk, item := newTestBook(t, &book.Chunk{
		Seq:        1,
		Original:   "<p>Hello</p>",
		Translated: "<p>你好</p>",
		Status:     book.StatusCompleted,
	})

	require.NoError(t, orch.Translate(context.Background(), bk))

	assert.Zero(t, stub.calls, "completed chunks must never reach the translator")
	assert.Zero(t, stub.batchCalls)
	assert.Equal(t, book.StatusCompleted, item.Chunks[0].Status)
	assert.Equal(t, "<p>你好</p>", item.Chunks[0].Translated)
}

func TestTranslateDispatchesPendingChunks(t *testing.T) {
	stub := &stubTranslator{
		translateFn: func(_ context.Context, text string, _ []string) (string, error) {
			return strings.ReplaceAll(text, "Hello", "你好"), nil
		},
	}
	orch := newTestOrchestrator(t, Options{Translator: stub})

	bk, item := newTestBook(t,
		&book.Chunk{Seq: 1, Original: "<p>Hello</p>", Status: book.StatusPending},
		&book.Chunk{Seq: 2, Original: "<p>World</p>", Status: book.StatusPending},
	)

	require.NoError(t, orch.Translate(context.Background(), bk))

	assert.Equal(t, 2, stub.calls)
	for _, chunk := range item.Chunks {
		assert.Equal(t, book.StatusCompleted, chunk.Status, "translated chunks are promoted at the item boundary")
	}
	assert.Equal(t, "<p>你好</p><p>World</p>", item.Translated)

	data, err := os.ReadFile(item.Path)
	require.NoError(t, err)
	assert.Equal(t, "<p>你好</p><p>World</p>", string(data))

	loaded, err := book.Load(book.SnapshotPath(bk.SourcePath))
	require.NoError(t, err)
	require.Len(t, loaded.Items, 1)
	assert.Equal(t, book.StatusCompleted, loaded.Items[0].Chunks[0].Status)
}

func TestTranslateMarksDroppedPlaceholderFailed(t *testing.T) {
	stub := &stubTranslator{
		translateFn: func(context.Context, string, []string) (string, error) {
			return "placeholder went missing", nil
		},
	}
	orch := newTestOrchestrator(t, Options{Translator: stub})

	protected, placeholders, err := orch.protector.Replace("<div><script>alert(1)</script><p>Hi</p></div>")
	require.NoError(t, err)
	require.Len(t, placeholders, 1)

	bk, item := newTestBook(t,
		&book.Chunk{Seq: 1, Original: protected, Status: book.StatusPending},
		&book.Chunk{Seq: 2, Original: "<p>plain</p>", Status: book.StatusPending},
	)
	item.Placeholders = placeholders

	require.NoError(t, orch.Translate(context.Background(), bk), "per-chunk failures must not abort the run")

	first := item.Chunks[0]
	assert.Equal(t, book.StatusFailed, first.Status)
	assert.Contains(t, first.Error, "placeholder tokens changed")
	assert.Empty(t, first.Translated)

	second := item.Chunks[1]
	assert.Equal(t, book.StatusCompleted, second.Status, "chunks after a failure are still processed")
}

func TestTranslateSkipsCJKLookingChunks(t *testing.T) {
	stub := &stubTranslator{}
	orch := newTestOrchestrator(t, Options{Translator: stub, TargetLang: "zh", SkipTranslated: true})

	bk, item := newTestBook(t, &book.Chunk{
		Seq:        1,
		Original:   "<p>Hello world</p>",
		Translated: "<p>你好，世界</p>",
		Status:     book.StatusTranslated,
	})

	require.NoError(t, orch.Translate(context.Background(), bk))

	assert.Zero(t, stub.calls)
	assert.Equal(t, book.StatusSkipped, item.Chunks[0].Status)
	assert.Equal(t, "<p>你好，世界</p>", item.Chunks[0].Translated, "skipped chunks keep their translation")
}

func TestTranslateHeuristicDisabled(t *testing.T) {
	stub := &stubTranslator{}
	orch := newTestOrchestrator(t, Options{Translator: stub, TargetLang: "zh", SkipTranslated: false})

	bk, item := newTestBook(t, &book.Chunk{
		Seq:        1,
		Original:   "<p>Hello world</p>",
		Translated: "<p>你好，世界</p>",
		Status:     book.StatusTranslated,
	})

	require.NoError(t, orch.Translate(context.Background(), bk))

	assert.Equal(t, 1, stub.calls, "with the heuristic off the chunk is re-dispatched")
	assert.Equal(t, book.StatusCompleted, item.Chunks[0].Status)
}

func TestTranslateSnapshotsAfterEachItem(t *testing.T) {
	dir := t.TempDir()
	workDir := filepath.Join(dir, "sample")
	require.NoError(t, os.MkdirAll(workDir, 0755))

	var items []*book.Item
	for _, name := range []string{"ch01.xhtml", "ch02.xhtml"} {
		path := filepath.Join(workDir, name)
		require.NoError(t, os.WriteFile(path, []byte("<p>x</p>"), 0644))
		items = append(items, &book.Item{ID: name, Path: path})
	}
	items[0].Chunks = []*book.Chunk{{Seq: 1, Original: "<p>one</p>", Status: book.StatusPending}}
	items[1].Chunks = []*book.Chunk{{Seq: 1, Original: "<p>two</p>", Status: book.StatusPending}}

	bk := book.New("sample", filepath.Join(dir, "sample.epub"), workDir)
	bk.AddItem(items[0])
	bk.AddItem(items[1])

	snapshotPath := book.SnapshotPath(bk.SourcePath)

	var firstItemStatus book.ChunkStatus
	stub := &stubTranslator{
		translateFn: func(_ context.Context, text string, _ []string) (string, error) {
			if text == "<p>two</p>" {
				loaded, err := book.Load(snapshotPath)
				require.NoError(t, err, "snapshot must exist before the second item is dispatched")
				firstItemStatus = loaded.Items[0].Chunks[0].Status
			}
			return text, nil
		},
	}

	orch := newTestOrchestrator(t, Options{Translator: stub})
	require.NoError(t, orch.Translate(context.Background(), bk))

	assert.Equal(t, book.StatusCompleted, firstItemStatus,
		"the first item must be durably completed before the second is processed")
}

func TestTranslateBatchDispatch(t *testing.T) {
	stub := &stubTranslator{}
	orch := newTestOrchestrator(t, Options{Translator: stub, BatchSize: 2})

	bk, item := newTestBook(t,
		&book.Chunk{Seq: 1, Original: "<p>a</p>", Status: book.StatusPending},
		&book.Chunk{Seq: 2, Original: "<p>b</p>", Status: book.StatusPending},
		&book.Chunk{Seq: 3, Original: "<p>c</p>", Status: book.StatusPending},
	)

	require.NoError(t, orch.Translate(context.Background(), bk))

	assert.Equal(t, 2, stub.batchCalls, "three chunks at batch size two need two calls")
	assert.Zero(t, stub.calls)
	for _, chunk := range item.Chunks {
		assert.Equal(t, book.StatusCompleted, chunk.Status)
	}
	assert.Equal(t, "<p>a</p><p>b</p><p>c</p>", item.Translated)
}

func TestProtectThenSegmentKeepsSubtreeWhole(t *testing.T) {
	orch := newTestOrchestrator(t, Options{Translator: &stubTranslator{}})

	content := `<div><script>alert(1)</script><p>Hello</p></div>`
	protected, placeholders, err := orch.protector.Replace(content)
	require.NoError(t, err)
	require.Len(t, placeholders, 1)

	spans := orch.segmenter.Chunk(protected)
	require.Len(t, spans, 1, "a small document fits in one chunk")

	tokens := orch.protector.Tokens(spans[0].Text)
	assert.Len(t, tokens, 1)
	assert.Contains(t, spans[0].Text, "<p>Hello</p>")
	assert.NotContains(t, spans[0].Text, "alert")

	assert.Equal(t, content, orch.protector.Restore(spans[0].Text, placeholders))
}

func TestLooksTranslated(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		lang     string
		expected bool
	}{
		{"chinese text for zh", "<p>你好</p>", "zh", true},
		{"english text for zh", "<p>Hello</p>", "zh", false},
		{"chinese text for french", "<p>你好</p>", "fr", false},
		{"kana for ja", "<p>こんにちは</p>", "ja", true},
		{"hangul for ko", "<p>안녕하세요</p>", "ko", true},
		{"regional zh code", "<p>你好</p>", "zh-TW", true},
		{"cjk only in attributes", `<p class="中文">plain</p>`, "zh", false},
		{"empty text", "", "zh", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, looksTranslated(tt.text, tt.lang))
		})
	}
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "sample.epub")
	writePipelineEPUB(t, src)

	var phases []string
	stub := &stubTranslator{}
	orch := newTestOrchestrator(t, Options{
		Translator:     stub,
		TargetLang:     "zh",
		SkipTranslated: true,
		OnProgress: func(p Progress) {
			if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
				phases = append(phases, p.Phase)
			}
		},
	})

	outPath, err := orch.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sample-zh.epub"), outPath)
	assert.GreaterOrEqual(t, stub.calls, 1)

	reader, err := zip.OpenReader(outPath)
	require.NoError(t, err)
	defer reader.Close()

	require.NotEmpty(t, reader.File)
	assert.Equal(t, "mimetype", reader.File[0].Name)
	assert.Equal(t, zip.Store, reader.File[0].Method)

	contents := make(map[string]string)
	for _, file := range reader.File {
		rc, err := file.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		contents[file.Name] = string(data)
	}

	expected := strings.Replace(pipelineChapter, `lang="en-US"`, `lang="zh"`, 1)
	assert.Equal(t, expected, contents["OEBPS/ch01.xhtml"],
		"echoed translation must restore the chapter byte for byte, locale aside")
	assert.Contains(t, contents["OEBPS/content.opf"], "<dc:language>zh</dc:language>")
	assert.Contains(t, contents, "OEBPS/style.css")

	loaded, err := book.Load(book.SnapshotPath(src))
	require.NoError(t, err)
	require.Len(t, loaded.Items, 1)
	assert.True(t, loaded.Items[0].Done())

	var joined strings.Builder
	for _, chunk := range loaded.Items[0].Chunks {
		joined.WriteString(chunk.Original)
	}
	assert.Equal(t, joined.String(), loaded.Items[0].Content,
		"item content is exactly the concatenation of its chunks")

	assert.Equal(t, []string{PhaseExtract, PhasePrepare, PhaseTranslate, PhasePackage, PhaseDone}, phases)
}

func TestRunResumeSkipsCompletedWork(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "sample.epub")
	writePipelineEPUB(t, src)

	first := &stubTranslator{}
	orch := newTestOrchestrator(t, Options{Translator: first, TargetLang: "zh", SkipTranslated: true})
	_, err := orch.Run(context.Background(), src)
	require.NoError(t, err)
	require.GreaterOrEqual(t, first.calls, 1)

	second := &stubTranslator{}
	orch2 := newTestOrchestrator(t, Options{Translator: second, TargetLang: "zh", SkipTranslated: true})
	outPath, err := orch2.Run(context.Background(), src)
	require.NoError(t, err)

	assert.Zero(t, second.calls, "a completed book must resume without translator calls")
	assert.FileExists(t, outPath)
}
