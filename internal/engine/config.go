package engine

import (
	"fmt"
	"strings"
)

type Kind string

const (
	KindAuto        Kind = "auto"
	KindAccelerated Kind = "accelerated"
	KindPortable    Kind = "portable"
)

type ModelSource string

const (
	SourceRemote ModelSource = "remote"
	SourceLocal  ModelSource = "local"
)

const (
	DefaultModel    = "tiny"
	DefaultLanguage = "auto"
)

// Config selects a backend and model for one engine instance. A loaded
// instance never sees its Config change.
type Config struct {
	Backend     Kind        `json:"engine" yaml:"engine"`
	ModelSource ModelSource `json:"modelSource" yaml:"model_source"`
	ModelID     string      `json:"modelId" yaml:"model"`
	Language    string      `json:"language" yaml:"language"`
}

// Validate applies defaults and rejects unknown model sources. Unknown
// backend kinds are left for Select to reject.
func (c *Config) Validate() error {
	c.Backend = Kind(strings.ToLower(strings.TrimSpace(string(c.Backend))))
	if c.Backend == "" {
		c.Backend = KindAuto
	}

	c.ModelSource = ModelSource(strings.ToLower(strings.TrimSpace(string(c.ModelSource))))
	switch c.ModelSource {
	case "":
		c.ModelSource = SourceRemote
	case SourceRemote, SourceLocal:
	default:
		return fmt.Errorf("engine: unknown model source %q", c.ModelSource)
	}

	c.ModelID = strings.TrimSpace(c.ModelID)
	if c.ModelID == "" {
		c.ModelID = DefaultModel
	}

	c.Language = strings.ToLower(strings.TrimSpace(c.Language))
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	return nil
}
