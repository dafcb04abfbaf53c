// Package corpus loads evaluation fixtures: named suites of reference
// sentences paired with the audio recordings that should produce them.
package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Corpus is a set of evaluation suites, typically one per language.
type Corpus struct {
	Suites []Suite `yaml:"suites"`
}

// Suite groups samples that share a language and recognizer model.
type Suite struct {
	Name     string   `yaml:"name"`
	Language string   `yaml:"language"`
	Model    string   `yaml:"model,omitempty"`
	Scorer   string   `yaml:"scorer,omitempty"`
	Samples  []Sample `yaml:"samples"`
}

// Sample pairs a reference transcript with its recording.
type Sample struct {
	ID        string `yaml:"id,omitempty"`
	Reference string `yaml:"reference"`
	Audio     string `yaml:"audio"`
}

// Load reads a corpus file. Relative audio, model and scorer paths are
// resolved against the directory of the corpus file.
func Load(path string) (Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Corpus{}, err
	}
	var c Corpus
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Corpus{}, fmt.Errorf("parse corpus %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range c.Suites {
		s := &c.Suites[i]
		s.Model = resolve(base, s.Model)
		s.Scorer = resolve(base, s.Scorer)
		for j := range s.Samples {
			sample := &s.Samples[j]
			if sample.ID == "" && sample.Audio != "" {
				sample.ID = strings.TrimSuffix(filepath.Base(sample.Audio), filepath.Ext(sample.Audio))
			}
			sample.Audio = resolve(base, sample.Audio)
		}
	}
	return c, nil
}

// Validate ensures every suite can be evaluated. Blank references are
// accepted; the evaluation skips those samples.
func Validate(c Corpus) error {
	if len(c.Suites) == 0 {
		return fmt.Errorf("corpus must declare at least one suite")
	}
	seen := make(map[string]bool, len(c.Suites))
	for _, s := range c.Suites {
		if s.Name == "" {
			return fmt.Errorf("suite name is required")
		}
		if seen[s.Name] {
			return fmt.Errorf("suite %q declared twice", s.Name)
		}
		seen[s.Name] = true
		if len(s.Samples) == 0 {
			return fmt.Errorf("suite %q has no samples", s.Name)
		}
		ids := make(map[string]bool, len(s.Samples))
		for i, sample := range s.Samples {
			if sample.Audio == "" {
				return fmt.Errorf("suite %q sample %d: audio is required", s.Name, i)
			}
			if ids[sample.ID] {
				return fmt.Errorf("suite %q: sample id %q declared twice", s.Name, sample.ID)
			}
			ids[sample.ID] = true
		}
	}
	return nil
}

// Suite returns the suite with the given name.
func (c Corpus) Suite(name string) (Suite, bool) {
	for _, s := range c.Suites {
		if s.Name == name {
			return s, true
		}
	}
	return Suite{}, false
}

// Names lists suite names in declaration order.
func (c Corpus) Names() []string {
	names := make([]string, 0, len(c.Suites))
	for _, s := range c.Suites {
		names = append(names, s.Name)
	}
	return names
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
