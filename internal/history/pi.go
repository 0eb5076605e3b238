package history

import (
	"os"
	"path/filepath"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/domain"
)

// PiProvider reconstructs history from pi's session files
// (~/.pi/sessions/<session-id>.jsonl), which share the claude-cli line
// shape. Unlike the other CLIs, pi history is mirrored into the event
// store by default so the hub stays authoritative when pi prunes old
// sessions; mirrorPiSessionHistory turns that off.
type PiProvider struct {
	root   string
	log    *config.Logger
	mirror bool
	cache  *mtimeCache
}

func NewPiProvider(log *config.Logger, mirror bool) *PiProvider {
	home, _ := os.UserHomeDir()
	return &PiProvider{
		root:   filepath.Join(home, ".pi", "sessions"),
		log:    log,
		mirror: mirror,
		cache:  newMtimeCache(),
	}
}

// Supports implements Provider.
func (p *PiProvider) Supports(providerID string) bool {
	return providerID == domain.ProviderPiCLI
}

// ShouldPersist implements Provider.
func (p *PiProvider) ShouldPersist(Request) bool { return p.mirror }

// GetHistory implements Provider.
func (p *PiProvider) GetHistory(req Request) ([]domain.ChatEvent, error) {
	piID := externalSessionID(req.Attributes, domain.ProviderPiCLI)
	if piID == "" {
		return nil, nil
	}
	path := filepath.Join(p.root, piID+".jsonl")
	if events, hit := p.cache.get(path, req.Force); hit {
		return SinceCursor(events, req.After), nil
	}
	events, err := convertRollout(path, req.SessionID, p.log)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return events, err
	}
	p.cache.put(path, events)
	return SinceCursor(events, req.After), nil
}
