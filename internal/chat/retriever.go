package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/mnma/mnma-backend/internal/ai"
	"github.com/mnma/mnma-backend/internal/apperr"
	"github.com/mnma/mnma-backend/internal/logger"
	"github.com/mnma/mnma-backend/internal/utils"
	"github.com/mnma/mnma-backend/internal/vecstore"
)

// Turn is one completed question/answer exchange kept in session history.
type Turn struct {
	Question string
	Answer   string
}

// Retriever answers one question against a session's file set: embed the
// query, pull the nearest chunks for those files, and stream a grounded
// answer.
type Retriever struct {
	log     *logger.Logger
	ai      ai.Client
	vectors vecstore.Store
	prompts Prompts
	topK    int
}

func NewRetriever(log *logger.Logger, aiClient ai.Client, vectors vecstore.Store, prompts Prompts) *Retriever {
	return &Retriever{
		log:     log.With("component", "ChatRetriever"),
		ai:      aiClient,
		vectors: vectors,
		prompts: prompts,
		topK:    utils.GetEnvAsInt("CHAT_TOP_K", 5, log),
	}
}

// Answer streams the reply token by token through onDelta and returns the
// full text. Provider and vector store failures come back as typed errors
// so the session can report them without closing.
func (r *Retriever) Answer(ctx context.Context, userID string, fileIDs []string, history []Turn, question string, onDelta func(delta string)) (string, error) {
	vectors, err := r.ai.Embed(ctx, []string{question})
	if err != nil {
		return "", apperr.New(apperr.KindProviderError, fmt.Errorf("embed query: %w", err))
	}
	if len(vectors) != 1 {
		return "", apperr.Newf(apperr.KindProviderError, "embed query: expected 1 vector, got %d", len(vectors))
	}

	matches, err := r.vectors.Query(ctx, userID, fileIDs, vectors[0], r.topK)
	if err != nil {
		return "", apperr.New(apperr.KindStorageUnavailable, fmt.Errorf("retrieve chunks: %w", err))
	}

	system := r.buildSystemPrompt(matches)
	user := buildUserPrompt(history, question)

	answer, err := r.ai.StreamText(ctx, system, user, onDelta)
	if err != nil {
		return "", apperr.New(apperr.KindProviderError, fmt.Errorf("generate answer: %w", err))
	}
	return answer, nil
}

func (r *Retriever) buildSystemPrompt(matches []vecstore.Match) string {
	var sb strings.Builder
	sb.WriteString(r.prompts.System)
	sb.WriteString("\n\nContext:\n")
	if len(matches) == 0 {
		sb.WriteString("(no relevant document excerpts were found)\n")
		return sb.String()
	}
	for i, m := range matches {
		sb.WriteString(fmt.Sprintf("[%d] %s\n", i+1, strings.TrimSpace(m.ChunkText)))
	}
	return sb.String()
}

func buildUserPrompt(history []Turn, question string) string {
	if len(history) == 0 {
		return question
	}
	var sb strings.Builder
	sb.WriteString("Conversation so far:\n")
	for _, turn := range history {
		sb.WriteString("User: ")
		sb.WriteString(turn.Question)
		sb.WriteString("\nAssistant: ")
		sb.WriteString(turn.Answer)
		sb.WriteString("\n")
	}
	sb.WriteString("\nUser: ")
	sb.WriteString(question)
	return sb.String()
}
