package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// overrideFile mirrors the teacher's tarsy.yaml / llm-providers.yaml shape:
// a small declarative file an operator can drop next to the binary to add
// or retire models without a rebuild.
type overrideFile struct {
	Models []modelOverride `yaml:"models"`
}

type modelOverride struct {
	ID          string  `yaml:"id"`
	DisplayName string  `yaml:"display_name"`
	Provider    string  `yaml:"provider"`
	Status      string  `yaml:"status"`
	Generation  params  `yaml:"generation"`
	Sentiment   sparams `yaml:"sentiment"`
}

type params struct {
	Temperature      *float64 `yaml:"temperature"`
	MaxTokens        int      `yaml:"max_tokens"`
	MaxCompletionTok int      `yaml:"max_completion_tokens"`
	IsReasoningModel bool     `yaml:"is_reasoning_model"`
}

type sparams struct {
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

// LoadOverrides reads an optional YAML file of additional or updated model
// entries and merges them into Models: an existing ID is replaced in place
// (letting an operator flip a model to StatusHistoric without a rebuild),
// an unknown ID is appended. A missing file is not an error — callers pass
// an operator-configured path that may simply not exist.
func LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading catalog overrides %s: %w", path, err)
	}

	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing catalog overrides %s: %w", path, err)
	}

	for _, mo := range file.Models {
		applyOverride(mo)
	}
	return nil
}

func applyOverride(mo modelOverride) {
	m := Model{
		ID:          mo.ID,
		DisplayName: mo.DisplayName,
		Provider:    Provider(mo.Provider),
		Status:      Status(mo.Status),
		Generation: GenerationParams{
			Temperature:      mo.Generation.Temperature,
			MaxTokens:        mo.Generation.MaxTokens,
			MaxCompletionTok: mo.Generation.MaxCompletionTok,
			IsReasoningModel: mo.Generation.IsReasoningModel,
		},
		Sentiment: SentimentParams{
			Temperature: mo.Sentiment.Temperature,
			MaxTokens:   mo.Sentiment.MaxTokens,
		},
	}

	for i, existing := range Models {
		if existing.ID == m.ID {
			Models[i] = m
			return
		}
	}
	Models = append(Models, m)
}
