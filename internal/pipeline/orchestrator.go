package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"book-translator/internal/book"
	"book-translator/internal/epub"
	"book-translator/internal/protect"
	"book-translator/internal/segment"
	"book-translator/internal/tokenizer"
	"book-translator/internal/translate"
)

// Pipeline phases reported to progress listeners.
const (
	PhaseExtract   = "extract"
	PhasePrepare   = "prepare"
	PhaseTranslate = "translate"
	PhasePackage   = "package"
	PhaseDone      = "done"
)

// Progress is a point-in-time view of a pipeline run.
type Progress struct {
	Phase           string `json:"phase"`
	BookName        string `json:"book_name"`
	CurrentItem     string `json:"current_item,omitempty"`
	TotalItems      int    `json:"total_items"`
	CompletedItems  int    `json:"completed_items"`
	TotalChunks     int    `json:"total_chunks"`
	CompletedChunks int    `json:"completed_chunks"`
	SkippedChunks   int    `json:"skipped_chunks"`
	FailedChunks    int    `json:"failed_chunks"`
	OutputPath      string `json:"output_path,omitempty"`
}

// Percent returns overall chunk completion in the 0-100 range.
func (p Progress) Percent() float64 {
	if p.TotalChunks == 0 {
		return 0
	}

	done := p.CompletedChunks + p.SkippedChunks + p.FailedChunks
	return float64(done) / float64(p.TotalChunks) * 100
}

// Options configures a pipeline run.
type Options struct {
	// Translator performs the chunk translations.
	Translator translate.Translator
	// Tokenizer bounds chunk sizes.
	Tokenizer tokenizer.Tokenizer
	// TokenLimit is the per-chunk token budget.
	TokenLimit int
	// TargetLang is the locale code written into the output.
	TargetLang string
	// TokenLength overrides the placeholder body length when positive.
	TokenLength int
	// BatchSize above 1 dispatches that many chunks per translator call.
	BatchSize int
	// SkipTranslated enables the already-translated check for chunks that
	// carry a translation from an earlier interrupted run.
	SkipTranslated bool
	// TranslateAttributes enables the second pass that translates
	// human-readable attribute values (alt, title) in translated chunks.
	TranslateAttributes bool
	// OutputDir receives the packaged archive. Defaults to the directory
	// of the source archive.
	OutputDir string
	// OnProgress, when set, is called after every chunk and phase change.
	OnProgress func(Progress)
}

// Orchestrator drives the whole pipeline: prepare (extract, protect,
// segment), translate chunk by chunk, reassemble and snapshot per item,
// package. Chunk status is mutated only here.
type Orchestrator struct {
	opts        Options
	protector   *protect.Protector
	segmenter   *segment.Segmenter
	reassembler *Reassembler
	extractor   *epub.Extractor
	packager    *epub.Packager
	validator   *epub.Validator
	logger      *logrus.Logger

	progress Progress
}

func New(opts Options, logger *logrus.Logger) (*Orchestrator, error) {
	if opts.Translator == nil {
		return nil, fmt.Errorf("translator is required")
	}
	if opts.TargetLang == "" {
		return nil, fmt.Errorf("target language is required")
	}

	var protectOpts []protect.Option
	if opts.TokenLength > 0 {
		protectOpts = append(protectOpts, protect.WithTokenLength(opts.TokenLength))
	}
	protector, err := protect.New(logger, protectOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create protector: %w", err)
	}

	segmenter, err := segment.New(opts.Tokenizer, opts.TokenLimit, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmenter: %w", err)
	}

	return &Orchestrator{
		opts:        opts,
		protector:   protector,
		segmenter:   segmenter,
		reassembler: NewReassembler(protector, logger),
		extractor:   epub.NewExtractor(logger),
		packager:    epub.NewPackager(logger),
		validator:   epub.NewValidator(logger),
		logger:      logger,
	}, nil
}

// Run executes the pipeline end to end for the archive at sourcePath and
// returns the path of the packaged translation.
func (o *Orchestrator) Run(ctx context.Context, sourcePath string) (string, error) {
	bk, err := o.Prepare(sourcePath)
	if err != nil {
		return "", err
	}

	if err := o.Translate(ctx, bk); err != nil {
		return "", err
	}

	return o.Package(bk)
}

// Prepare returns the Book for sourcePath: the snapshot beside the archive
// when one exists, otherwise a fresh Book built by extracting the archive
// and protecting and segmenting every translatable file. Fresh books are
// snapshotted immediately so a first run interrupted mid-translation resumes
// without re-parsing.
func (o *Orchestrator) Prepare(sourcePath string) (*book.Book, error) {
	snapshotPath := book.SnapshotPath(sourcePath)
	if _, err := os.Stat(snapshotPath); err == nil {
		return o.resume(snapshotPath)
	}

	name := bookName(sourcePath)
	workDir := filepath.Join(filepath.Dir(sourcePath), name)

	o.progress = Progress{Phase: PhaseExtract, BookName: name}
	o.report(nil)

	if _, err := os.Stat(workDir); err != nil {
		if err := o.extractor.Extract(sourcePath, workDir); err != nil {
			return nil, err
		}
	} else {
		o.logger.Infof("Reusing extraction directory %s", workDir)
	}

	files, err := epub.TranslatableFiles(workDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no translatable files found in %s", sourcePath)
	}

	o.progress.Phase = PhasePrepare
	o.report(nil)

	bk := book.New(name, sourcePath, workDir)
	for _, rel := range files {
		item, err := o.buildItem(workDir, rel)
		if err != nil {
			return nil, err
		}
		bk.AddItem(item)
	}

	if err := bk.Save(snapshotPath); err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}

	total, _ := bk.CountChunks()
	o.logger.Infof("Prepared %s: %d items, %d chunks", name, len(bk.Items), total)

	return bk, nil
}

func (o *Orchestrator) resume(snapshotPath string) (*book.Book, error) {
	bk, err := book.Load(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", snapshotPath, err)
	}

	if _, err := os.Stat(bk.WorkDir); err != nil {
		o.logger.Warnf("Work directory %s is missing, re-extracting", bk.WorkDir)
		if err := o.extractor.Extract(bk.SourcePath, bk.WorkDir); err != nil {
			return nil, err
		}
	}

	total, byStatus := bk.CountChunks()
	o.logger.Infof("Resuming %s from snapshot: %d items, %d chunks (%d completed)",
		bk.Name, len(bk.Items), total, byStatus[book.StatusCompleted])

	return bk, nil
}

func (o *Orchestrator) buildItem(workDir, rel string) (*book.Item, error) {
	path := filepath.Join(workDir, filepath.FromSlash(rel))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}

	protected, placeholders, err := o.protector.Replace(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to protect %s: %w", rel, err)
	}

	spans := o.segmenter.Chunk(protected)
	chunks := make([]*book.Chunk, 0, len(spans))
	var content strings.Builder
	for _, span := range spans {
		content.WriteString(span.Text)
		chunks = append(chunks, &book.Chunk{
			Seq:      span.Seq,
			Original: span.Text,
			Tokens:   span.Tokens,
			Status:   book.StatusPending,
		})
	}

	o.logger.Debugf("Prepared item %s: %d placeholders, %d chunks", rel, len(placeholders), len(chunks))

	// Content is the concatenation of the chunks, not the raw protected
	// string: the segmenter may drop blank spans, and the item must stay
	// exactly the text its chunks reassemble to.
	return &book.Item{
		ID:           rel,
		Content:      content.String(),
		Placeholders: placeholders,
		Chunks:       chunks,
		Path:         path,
	}, nil
}

// Translate drives every dispatchable chunk of the book through the
// translator. Per-chunk failures are recorded on the chunk and do not abort
// the run. After each item the item is reassembled, its translated chunks
// are promoted to completed and the snapshot is rewritten: that is the
// durability boundary for resume.
func (o *Orchestrator) Translate(ctx context.Context, bk *book.Book) error {
	snapshotPath := book.SnapshotPath(bk.SourcePath)
	total, _ := bk.CountChunks()

	o.progress = Progress{
		Phase:       PhaseTranslate,
		BookName:    bk.Name,
		TotalItems:  len(bk.Items),
		TotalChunks: total,
	}
	o.report(bk)

	for _, item := range bk.Items {
		o.progress.CurrentItem = item.ID
		o.report(bk)

		if err := o.processItem(ctx, bk, item); err != nil {
			if saveErr := bk.Save(snapshotPath); saveErr != nil {
				o.logger.Errorf("Failed to save snapshot on interrupt: %v", saveErr)
			}
			return fmt.Errorf("translation interrupted: %w", err)
		}

		if err := o.reassembler.Reassemble(item, o.opts.TargetLang); err != nil {
			return err
		}

		o.promote(item)

		if err := bk.Save(snapshotPath); err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}

		o.progress.CompletedItems++
		o.report(bk)

		o.logger.Infof("Item %s done (%d/%d)", item.ID, o.progress.CompletedItems, len(bk.Items))
	}

	total, byStatus := bk.CountChunks()
	o.logger.Infof("Translation pass finished: %d chunks (%d completed, %d skipped, %d failed)",
		total, byStatus[book.StatusCompleted], byStatus[book.StatusSkipped], byStatus[book.StatusFailed])
	if failed := byStatus[book.StatusFailed]; failed > 0 {
		o.logger.Warnf("%d chunks failed and are missing from the output; rerun to retry them", failed)
	}

	return nil
}

func (o *Orchestrator) processItem(ctx context.Context, bk *book.Book, item *book.Item) error {
	var pending []*book.Chunk
	for _, chunk := range item.Chunks {
		if o.shouldDispatch(item, chunk) {
			pending = append(pending, chunk)
		}
	}
	o.report(bk)

	if o.opts.BatchSize > 1 {
		for start := 0; start < len(pending); start += o.opts.BatchSize {
			if err := ctx.Err(); err != nil {
				return err
			}

			end := start + o.opts.BatchSize
			if end > len(pending) {
				end = len(pending)
			}
			o.dispatchBatch(ctx, item, pending[start:end])
			o.report(bk)
		}
		return nil
	}

	for _, chunk := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}

		o.dispatchChunk(ctx, item, chunk)
		o.report(bk)
	}

	return nil
}

// shouldDispatch applies the skip rules: completed chunks are final, and a
// chunk whose existing translation already looks like the target language is
// marked skipped with its translation kept.
func (o *Orchestrator) shouldDispatch(item *book.Item, chunk *book.Chunk) bool {
	if chunk.Status == book.StatusCompleted {
		return false
	}

	if o.opts.SkipTranslated && chunk.Translated != "" && looksTranslated(chunk.Translated, o.opts.TargetLang) {
		o.logger.Debugf("Chunk %s#%d already looks translated, skipping", item.ID, chunk.Seq)
		chunk.MarkSkipped()
		return false
	}

	return true
}

// dispatchChunk advances one chunk through the state machine. Translator and
// placeholder failures mark the chunk failed; the run moves on.
func (o *Orchestrator) dispatchChunk(ctx context.Context, item *book.Item, chunk *book.Chunk) {
	tokens := o.protector.Tokens(chunk.Original)

	chunk.Start()

	translated, err := o.opts.Translator.Translate(ctx, chunk.Original, tokens)
	if err != nil {
		o.logger.Errorf("Failed to translate chunk %s#%d: %v", item.ID, chunk.Seq, err)
		chunk.MarkFailed(err.Error())
		return
	}

	if err := o.checkTokens(tokens, translated); err != nil {
		o.logger.Errorf("Placeholder check failed for chunk %s#%d: %v", item.ID, chunk.Seq, err)
		chunk.MarkFailed(err.Error())
		return
	}

	chunk.MarkTranslated(translated)

	if o.opts.TranslateAttributes {
		o.translateChunkAttributes(ctx, item, chunk)
	}
}

func (o *Orchestrator) dispatchBatch(ctx context.Context, item *book.Item, batch []*book.Chunk) {
	texts := make([]string, len(batch))
	for i, chunk := range batch {
		texts[i] = chunk.Original
		chunk.Start()
	}

	results, err := o.opts.Translator.TranslateBatch(ctx, texts)
	if err == nil && len(results) != len(texts) {
		err = fmt.Errorf("translator returned %d results for %d chunks", len(results), len(texts))
	}
	if err != nil {
		o.logger.Errorf("Failed to translate batch of %d chunks in %s: %v", len(batch), item.ID, err)
		for _, chunk := range batch {
			chunk.MarkFailed(err.Error())
		}
		return
	}

	for i, chunk := range batch {
		tokens := o.protector.Tokens(chunk.Original)
		if err := o.checkTokens(tokens, results[i]); err != nil {
			o.logger.Errorf("Placeholder check failed for chunk %s#%d: %v", item.ID, chunk.Seq, err)
			chunk.MarkFailed(err.Error())
			continue
		}
		chunk.MarkTranslated(results[i])

		if o.opts.TranslateAttributes {
			o.translateChunkAttributes(ctx, item, chunk)
		}
	}
}

// checkTokens verifies that the translation carries exactly the placeholder
// tokens of the input. A translator that drops or invents tokens would
// corrupt restoration, so a mismatch is a hard failure for the chunk.
func (o *Orchestrator) checkTokens(want []string, translated string) error {
	got := o.protector.Tokens(translated)

	if len(got) != len(want) {
		return fmt.Errorf("placeholder tokens changed during translation: expected %d, got %d", len(want), len(got))
	}

	wantSet := make(map[string]bool, len(want))
	for _, token := range want {
		wantSet[token] = true
	}
	for _, token := range got {
		if !wantSet[token] {
			return fmt.Errorf("unexpected placeholder token %s in translation", token)
		}
	}

	return nil
}

// promote moves an item's translated chunks to completed. Promotion happens
// only after the item was reassembled and right before the snapshot write,
// so a completed chunk in a snapshot is always backed by a written file.
func (o *Orchestrator) promote(item *book.Item) {
	for _, chunk := range item.Chunks {
		if chunk.Status == book.StatusTranslated {
			chunk.MarkCompleted()
		}
	}
}

// Package rewrites the package language, checks the translated documents for
// well-formedness and zips the work directory into <book-name>-<lang>.epub.
func (o *Orchestrator) Package(bk *book.Book) (string, error) {
	o.progress.Phase = PhasePackage
	o.progress.CurrentItem = ""
	o.report(bk)

	if opf, err := epub.FindOPF(bk.WorkDir); err != nil {
		o.logger.Warnf("Could not locate package document: %v", err)
	} else if err := o.packager.UpdateLanguage(filepath.Join(bk.WorkDir, filepath.FromSlash(opf)), o.opts.TargetLang); err != nil {
		o.logger.Warnf("Could not update package language: %v", err)
	}

	for _, item := range bk.Items {
		if item.Translated == "" {
			continue
		}
		if err := o.validator.CheckWellFormed(item.Path); err != nil {
			o.logger.Warnf("Translated document %s is not well-formed: %v", item.ID, err)
		}
	}

	outDir := o.opts.OutputDir
	if outDir == "" {
		outDir = filepath.Dir(bk.SourcePath)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	outPath := filepath.Join(outDir, fmt.Sprintf("%s-%s.epub", bk.Name, o.opts.TargetLang))

	if err := o.packager.Package(bk.WorkDir, outPath); err != nil {
		return "", err
	}

	o.progress.Phase = PhaseDone
	o.progress.OutputPath = outPath
	o.report(bk)

	o.logger.Infof("Packaged translation: %s", outPath)

	return outPath, nil
}

func (o *Orchestrator) report(bk *book.Book) {
	if bk != nil {
		_, byStatus := bk.CountChunks()
		o.progress.CompletedChunks = byStatus[book.StatusCompleted] + byStatus[book.StatusTranslated]
		o.progress.SkippedChunks = byStatus[book.StatusSkipped]
		o.progress.FailedChunks = byStatus[book.StatusFailed]
	}

	if o.opts.OnProgress != nil {
		o.opts.OnProgress(o.progress)
	}
}

func bookName(sourcePath string) string {
	base := filepath.Base(sourcePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
