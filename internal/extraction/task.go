package extraction

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Task bundles a prompt description with the few-shot examples that define an
// extraction job. Tasks are authored as YAML or JSON files and loaded by the
// CLI.
type Task struct {
	Description string    `json:"description" yaml:"description"`
	Examples    []Example `json:"examples" yaml:"examples"`
}

// taskFile mirrors the on-disk task shape. Extraction fields accept both the
// short and the canonical long key spelling (class/extraction_class,
// text/extraction_text).
type taskFile struct {
	Description string        `json:"description" yaml:"description"`
	Examples    []taskExample `json:"examples" yaml:"examples"`
}

type taskExample struct {
	Text        string           `json:"text" yaml:"text"`
	Extractions []taskExtraction `json:"extractions" yaml:"extractions"`
}

type taskExtraction struct {
	Class      string            `json:"class" yaml:"class"`
	LongClass  string            `json:"extraction_class" yaml:"extraction_class"`
	Text       string            `json:"text" yaml:"text"`
	LongText   string            `json:"extraction_text" yaml:"extraction_text"`
	Attributes map[string]string `json:"attributes" yaml:"attributes"`
}

func (te taskExtraction) toExtraction() Extraction {
	class := te.LongClass
	if class == "" {
		class = te.Class
	}
	text := te.LongText
	if text == "" {
		text = te.Text
	}
	return Extraction{Class: class, Text: text, Attributes: te.Attributes}
}

// LoadTask reads a task file. The format is chosen by extension: .json is
// parsed as JSON, everything else as YAML.
func LoadTask(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var tf taskFile
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &tf); err != nil {
			return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &tf); err != nil {
			return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
		}
	}

	task := Task{Description: tf.Description}
	for _, ex := range tf.Examples {
		example := Example{Text: ex.Text}
		for _, te := range ex.Extractions {
			example.Extractions = append(example.Extractions, te.toExtraction())
		}
		task.Examples = append(task.Examples, example)
	}

	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task file %s: %w", path, err)
	}
	return &task, nil
}

// Validate checks structural requirements: a non-empty description and, for
// each example, non-empty text and extraction fields.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Description) == "" {
		return fmt.Errorf("description is required")
	}
	for i, ex := range t.Examples {
		if strings.TrimSpace(ex.Text) == "" {
			return fmt.Errorf("example %d: text is required", i)
		}
		for j, e := range ex.Extractions {
			if e.Class == "" {
				return fmt.Errorf("example %d extraction %d: extraction_class is required", i, j)
			}
			if e.Text == "" {
				return fmt.Errorf("example %d extraction %d: extraction_text is required", i, j)
			}
		}
	}
	return nil
}
