// Package memory records run summaries in-process.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/popscrape/internal/notify"
)

// Publisher stores published summaries for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []notify.RunSummary
}

var _ notify.Publisher = (*Publisher)(nil)

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the summary and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, summary notify.RunSummary) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, summary)
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of the recorded summaries.
func (p *Publisher) Messages() []notify.RunSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]notify.RunSummary, len(p.messages))
	copy(out, p.messages)
	return out
}
