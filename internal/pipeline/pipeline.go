package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"
)

var ErrUnknownJobType = errors.New("unknown job type")

const (
	defaultPollInterval = 5 * time.Second
	defaultPollJitter   = 2 * time.Second
	defaultRetryDelay   = 10 * time.Second
	defaultTTL          = 30 * time.Minute
	defaultMaxAttempts  = 3
)

type Stage struct {
	Name     string            `yaml:"name"`
	Provider string            `yaml:"provider"`
	Carry    map[string]string `yaml:"carry"` // result key -> next payload key
}

// Pipeline is the stage sequence and cadence for one job type.
type Pipeline struct {
	JobType      string        `yaml:"job_type"`
	Stages       []Stage       `yaml:"stages"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollJitter   time.Duration `yaml:"poll_jitter"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	TTL          time.Duration `yaml:"ttl"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

func (p *Pipeline) applyDefaults() {
	if p.PollInterval <= 0 {
		p.PollInterval = defaultPollInterval
	}
	if p.PollJitter < 0 {
		p.PollJitter = 0
	}
	if p.PollJitter == 0 {
		p.PollJitter = defaultPollJitter
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = defaultRetryDelay
	}
	if p.TTL <= 0 {
		p.TTL = defaultTTL
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
}

func (p *Pipeline) validate() error {
	if p.JobType == "" {
		return errors.New("pipeline: job_type is required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %s: at least one stage is required", p.JobType)
	}
	for i, s := range p.Stages {
		if s.Provider == "" {
			return fmt.Errorf("pipeline %s: stage %d has no provider", p.JobType, i)
		}
	}
	return nil
}

// StageAt returns the stage at index i, or false when i is past the end.
func (p *Pipeline) StageAt(i int) (Stage, bool) {
	if i < 0 || i >= len(p.Stages) {
		return Stage{}, false
	}
	return p.Stages[i], true
}

func (p *Pipeline) HasNext(i int) bool {
	return i+1 < len(p.Stages)
}

// NextPollDelay is the fixed poll interval plus up to PollJitter.
func (p *Pipeline) NextPollDelay() time.Duration {
	return p.PollInterval + jitter(p.PollJitter)
}

func (p *Pipeline) NextRetryDelay() time.Duration {
	return p.RetryDelay + jitter(p.PollJitter)
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// DerivePayload builds the input of stage next from the job's original payload
// and the previous stage's result: the original object, "input" set to the
// result, plus every Carry mapping of the next stage copied from the result.
func (p *Pipeline) DerivePayload(next int, original, result json.RawMessage) (json.RawMessage, error) {
	stage, ok := p.StageAt(next)
	if !ok {
		return nil, fmt.Errorf("pipeline %s: no stage %d", p.JobType, next)
	}

	out := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(original)) > 0 {
		if err := json.Unmarshal(original, &out); err != nil {
			return nil, fmt.Errorf("pipeline %s: original payload: %w", p.JobType, err)
		}
	}
	if out == nil {
		out = map[string]json.RawMessage{}
	}
	out["input"] = result

	if len(stage.Carry) > 0 {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(result, &fields); err == nil {
			for src, dst := range stage.Carry {
				if v, ok := fields[src]; ok {
					out[dst] = v
				}
			}
		}
	}
	return json.Marshal(out)
}

// UsableResult reports whether a provider result may be stored as a stage
// output. Empty, malformed and empty-container results are not.
func UsableResult(result json.RawMessage) bool {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return false
	}
	switch string(trimmed) {
	case "null", "{}", "[]", `""`:
		return false
	}
	return true
}

// Registry is the jobType -> Pipeline lookup table.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

func NewRegistry() *Registry {
	return &Registry{pipelines: map[string]*Pipeline{}}
}

func (r *Registry) Register(p Pipeline) error {
	p.applyDefaults()
	if err := p.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.JobType] = &p
	return nil
}

func (r *Registry) Get(jobType string) (*Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return p, nil
}

func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pipelines))
	for k := range r.pipelines {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
