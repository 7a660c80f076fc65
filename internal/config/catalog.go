package config

import (
	_ "embed"
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"asset-job-orchestrator/internal/adapter"
	"asset-job-orchestrator/internal/pipeline"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type ProviderConfig struct {
	Name        string        `yaml:"name"`
	BaseURL     string        `yaml:"base_url"`
	BaseURLEnv  string        `yaml:"base_url_env"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	SubmitPath  string        `yaml:"submit_path"`
	PollPath    string        `yaml:"poll_path"`
	TaskIDField string        `yaml:"task_id_field"`
	ResultField string        `yaml:"result_field"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Catalog lists the task providers and the pipelines built on top of them.
type Catalog struct {
	Providers []ProviderConfig    `yaml:"providers"`
	Pipelines []pipeline.Pipeline `yaml:"pipelines"`
}

// LoadCatalog reads path, or the built-in catalog when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	raw := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", path, err)
		}
		raw = b
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Pipelines) == 0 {
		return nil, fmt.Errorf("parse catalog: no pipelines defined")
	}
	return &c, nil
}

// Build registers every provider as an HTTP adapter and every pipeline,
// checking that each stage names a known provider.
func (c *Catalog) Build(client *http.Client) (*adapter.Registry, *pipeline.Registry, error) {
	adapters := adapter.NewRegistry()
	for _, p := range c.Providers {
		baseURL := p.BaseURL
		if p.BaseURLEnv != "" {
			if v := os.Getenv(p.BaseURLEnv); v != "" {
				baseURL = v
			}
		}
		adapters.Register(p.Name, adapter.NewHTTPAdapter(adapter.HTTPConfig{
			Name:        p.Name,
			BaseURL:     baseURL,
			APIKey:      os.Getenv(p.APIKeyEnv),
			SubmitPath:  p.SubmitPath,
			PollPath:    p.PollPath,
			TaskIDField: p.TaskIDField,
			ResultField: p.ResultField,
			Timeout:     p.Timeout,
		}, client))
	}

	pipelines := pipeline.NewRegistry()
	for _, pl := range c.Pipelines {
		for _, st := range pl.Stages {
			if _, err := adapters.Get(st.Provider); err != nil {
				return nil, nil, fmt.Errorf("pipeline %s stage %s: %w", pl.JobType, st.Name, err)
			}
		}
		if err := pipelines.Register(pl); err != nil {
			return nil, nil, err
		}
	}
	return adapters, pipelines, nil
}
