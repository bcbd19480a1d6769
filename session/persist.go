package session

import (
	"context"
	"fmt"
)

type document struct {
	Sessions []Session `json:"sessions" yaml:"sessions" toml:"sessions"`
}

// SaveSessions writes a snapshot of every registered session to url.
func (m *Manager) SaveSessions(ctx context.Context, url string) error {
	doc := document{Sessions: m.ListSessions()}
	if err := m.store.Save(ctx, url, doc); err != nil {
		return fmt.Errorf("save sessions: %w", err)
	}
	return nil
}

// LoadSessions restores session history from url. Restored sessions are
// terminated records: they hold no slot, no environment binding and no
// scope, and are unregistered by the normal retention sweep. Ids already
// registered are skipped. It returns the number restored.
func (m *Manager) LoadSessions(ctx context.Context, url string) (int, error) {
	var doc document
	if err := m.store.Load(ctx, url, &doc); err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for _, s := range doc.Sessions {
		if s.ID == "" {
			continue
		}
		if _, ok := m.sessions[s.ID]; ok {
			continue
		}
		s.InFlight = 0
		if s.Status == StatusActive {
			s.Status = StatusTerminated
			s.EndedAt = now
			s.EndReason = ReasonRestored
		}
		if s.Metadata == nil {
			s.Metadata = map[string]string{}
		}
		m.sessions[s.ID] = &record{
			Session: s,
			output:  NewOutputBuffer(m.cfg.OutputBufferLines),
		}
		restored++
	}
	m.logger.Info("sessions restored", "count", restored, "url", url)
	return restored, nil
}
