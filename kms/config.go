package kms

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ProviderConfig is one entry of the provider configuration file.
type ProviderConfig struct {
	URI      string   `yaml:"uri"`
	Cost     *float64 `yaml:"cost,omitempty"`
	Name     string   `yaml:"name,omitempty"`
	Required bool     `yaml:"required,omitempty"`
}

// ProvidersFile is the provider configuration document.
//
//	probe_timeout: 2s
//	call_timeout: 10s
//	providers:
//	  - uri: local://dev?seed=...
//	    cost: 1
//	    required: true
//	  - uri: awskms://alias/ledger?region=eu-west-1
//	    cost: 12
type ProvidersFile struct {
	ProbeTimeout string           `yaml:"probe_timeout,omitempty"`
	CallTimeout  string           `yaml:"call_timeout,omitempty"`
	Providers    []ProviderConfig `yaml:"providers"`
}

// LoadProviderConfig parses a YAML provider configuration.
func LoadProviderConfig(r io.Reader) (*ProvidersFile, error) {
	var cfg ProvidersFile
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty provider configuration")
		}
		return nil, fmt.Errorf("failed to parse provider configuration: %w", err)
	}

	if len(cfg.Providers) == 0 {
		return nil, errors.New("provider configuration lists no providers")
	}
	for i, p := range cfg.Providers {
		if p.URI == "" {
			return nil, fmt.Errorf("provider %d: uri is required", i)
		}
	}
	return &cfg, nil
}

// URIs returns the provider URIs with cost and name overrides folded into the query.
func (f *ProvidersFile) URIs() []string {
	uris := make([]string, 0, len(f.Providers))
	for _, p := range f.Providers {
		uris = append(uris, p.uri())
	}
	return uris
}

// RequiredNames returns the names of providers marked required. Names must be
// set explicitly for required providers so they can be checked after creation.
func (f *ProvidersFile) RequiredNames() []string {
	var names []string
	for _, p := range f.Providers {
		if p.Required && p.Name != "" {
			names = append(names, p.Name)
		}
	}
	return names
}

func (p ProviderConfig) uri() string {
	if p.Cost == nil && p.Name == "" {
		return p.URI
	}

	u, err := url.Parse(p.URI)
	if err != nil {
		// Left for ProviderFor to report
		return p.URI
	}
	query := u.Query()
	if p.Cost != nil {
		query.Set("cost", strconv.FormatFloat(*p.Cost, 'f', -1, 64))
	}
	if p.Name != "" {
		query.Set("name", p.Name)
	}
	u.RawQuery = query.Encode()
	return u.String()
}
