package book

// ChunkStatus tracks one chunk through the translation state machine.
type ChunkStatus string

const (
	StatusPending    ChunkStatus = "pending"
	StatusInProgress ChunkStatus = "in_progress"
	StatusTranslated ChunkStatus = "translated"
	StatusFailed     ChunkStatus = "failed"
	StatusSkipped    ChunkStatus = "skipped"
	StatusCompleted  ChunkStatus = "completed"
)

// IsTerminal reports whether the status ends the chunk's lifecycle for the
// current run. Non-completed terminal chunks are picked up again by the next
// full run.
func (s ChunkStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Chunk is one token-bounded segment of an item's protected content. Seq is
// 1-based within the item, assigned at segmentation, and never reassigned.
type Chunk struct {
	Seq        int         `json:"seq"`
	Original   string      `json:"original"`
	Translated string      `json:"translated,omitempty"`
	Tokens     int         `json:"tokens"`
	Status     ChunkStatus `json:"status"`
	Error      string      `json:"error,omitempty"`
}

func (c *Chunk) Start() {
	c.Status = StatusInProgress
}

func (c *Chunk) MarkTranslated(text string) {
	c.Translated = text
	c.Status = StatusTranslated
	c.Error = ""
}

func (c *Chunk) MarkCompleted() {
	c.Status = StatusCompleted
	c.Error = ""
}

func (c *Chunk) MarkSkipped() {
	c.Status = StatusSkipped
}

func (c *Chunk) MarkFailed(message string) {
	c.Status = StatusFailed
	c.Error = message
}

// Item is one translatable document of the source archive.
type Item struct {
	// ID is the archive-relative path of the document.
	ID string `json:"id"`
	// Content is the protected (placeholder-substituted) markup the chunks
	// were cut from: concatenating the chunks in Seq order reproduces it.
	Content string `json:"content"`
	// Placeholders maps tokens back to the original subtrees they replaced.
	Placeholders map[string]string `json:"placeholders,omitempty"`
	Chunks       []*Chunk          `json:"chunks"`
	// Translated holds the final reassembled content once written.
	Translated string `json:"translated,omitempty"`
	// Path is the absolute path of the backing file in the work directory.
	Path string `json:"path"`
}

// Done reports whether every chunk of the item reached a terminal status.
func (i *Item) Done() bool {
	for _, chunk := range i.Chunks {
		if !chunk.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Book is the aggregate root: one source archive, its extraction directory
// and its ordered items. The whole graph serializes to a single JSON
// snapshot for resume.
type Book struct {
	Name       string  `json:"name"`
	SourcePath string  `json:"source_path"`
	WorkDir    string  `json:"work_dir"`
	Items      []*Item `json:"items"`
}

func New(name, sourcePath, workDir string) *Book {
	return &Book{
		Name:       name,
		SourcePath: sourcePath,
		WorkDir:    workDir,
	}
}

func (b *Book) AddItem(item *Item) {
	b.Items = append(b.Items, item)
}

// CountChunks returns the total number of chunks and a per-status breakdown.
func (b *Book) CountChunks() (int, map[ChunkStatus]int) {
	total := 0
	byStatus := make(map[ChunkStatus]int)

	for _, item := range b.Items {
		for _, chunk := range item.Chunks {
			total++
			byStatus[chunk.Status]++
		}
	}

	return total, byStatus
}
