package tenant

import (
	"context"
	"fmt"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/storage"
)

var _ storage.TenantConfigSource = (*FileSource)(nil)

// keyDelim separates koanf key paths. Device IDs and profile names may contain
// dots, so a character that never appears in them is used instead.
const keyDelim = "|"

// FileSource serves tenant configs from a YAML file of the form
//
//	tenants:
//	  <customerId>:
//	    enabled: true
//	    priorityRules: {...}
//	    rateControl: {...}
//	    telegram: {...}
//
// Field names follow the JSON attribute document.
type FileSource struct {
	path string

	mu      sync.RWMutex
	tenants map[string]domain.TenantConfig
}

// NewFileSource reads the file at path.
func NewFileSource(path string) (*FileSource, error) {
	s := &FileSource{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file. On error the previous contents are kept.
func (s *FileSource) Reload() error {
	k := koanf.New(keyDelim)
	if err := k.Load(file.Provider(s.path), yaml.Parser()); err != nil {
		return fmt.Errorf("load tenant file %s: %w", s.path, err)
	}

	tenants := make(map[string]domain.TenantConfig)
	if err := k.UnmarshalWithConf("tenants", &tenants, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return fmt.Errorf("decode tenant file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.tenants = tenants
	s.mu.Unlock()
	return nil
}

// GetTenantConfig returns (nil, nil) for tenants absent from the file.
func (s *FileSource) GetTenantConfig(_ context.Context, tenantID string) (*domain.TenantConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

// Len returns the number of tenants in the file.
func (s *FileSource) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants)
}
