package chat

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mnma/mnma-backend/internal/logger"
)

const defaultSystemPrompt = "You are an assistant answering questions about the user's uploaded documents. " +
	"Use only the provided context to answer. If the context does not contain the answer, say you do not know. " +
	"Keep answers concise."

// Prompts holds the prompt templates for chat generation, loaded from a
// yaml file so they can be tuned without a rebuild.
type Prompts struct {
	System string `yaml:"system"`
}

type promptsFile struct {
	Prompts Prompts `yaml:"prompts"`
}

// LoadPrompts reads PROMPTS_PATH when set, and falls back to the built-in
// defaults when the file is absent or a field is empty.
func LoadPrompts(log *logger.Logger) (Prompts, error) {
	prompts := Prompts{System: defaultSystemPrompt}

	path := strings.TrimSpace(os.Getenv("PROMPTS_PATH"))
	if path == "" {
		return prompts, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("Prompts file not found; using defaults", "path", path)
			return prompts, nil
		}
		return Prompts{}, fmt.Errorf("read prompts file %q: %w", path, err)
	}

	var parsed promptsFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return Prompts{}, fmt.Errorf("parse prompts file %q: %w", path, err)
	}
	if strings.TrimSpace(parsed.Prompts.System) != "" {
		prompts.System = strings.TrimSpace(parsed.Prompts.System)
	}

	log.Info("Prompts loaded", "path", path)
	return prompts, nil
}
