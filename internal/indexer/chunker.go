package indexer

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/mnma/mnma-backend/internal/logger"
	"github.com/mnma/mnma-backend/internal/utils"
)

// Chunk is one splitter output with its byte offset in the source text.
type Chunk struct {
	Text   string
	Offset int
}

type Chunker struct {
	splitter textsplitter.TextSplitter
}

func NewChunker(log *logger.Logger) *Chunker {
	chunkSize := utils.GetEnvAsInt("CHUNK_SIZE", 1000, log)
	chunkOverlap := utils.GetEnvAsInt("CHUNK_OVERLAP", 250, log)

	return &Chunker{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
		),
	}
}

// Split breaks text into overlapping chunks. Whitespace-only input yields
// no chunks.
func (c *Chunker) Split(text string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	parts, err := c.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("split text: %w", err)
	}

	chunks := make([]Chunk, 0, len(parts))
	searchFrom := 0
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		offset := strings.Index(text[searchFrom:], part)
		if offset >= 0 {
			offset += searchFrom
			// Overlapping chunks force the search window forward past the
			// start of this chunk, not its end.
			searchFrom = offset + 1
		} else {
			offset = searchFrom
		}
		chunks = append(chunks, Chunk{Text: part, Offset: offset})
	}
	return chunks, nil
}
