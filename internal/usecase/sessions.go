package usecase

import (
	"context"
	"fmt"

	"MailPress/internal/ports"
)

// SessionPool hands out CMS automation sessions. A session serves one attempt at a time.
type SessionPool struct {
	sessions chan ports.Browser
}

// NewSessionPool fills the pool with the given sessions.
func NewSessionPool(browsers ...ports.Browser) *SessionPool {
	p := &SessionPool{sessions: make(chan ports.Browser, len(browsers))}
	for _, b := range browsers {
		p.sessions <- b
	}
	return p
}

// Size reports how many sessions the pool was built with.
func (p *SessionPool) Size() int { return cap(p.sessions) }

// Acquire waits for a free session. The returned func puts it back.
func (p *SessionPool) Acquire(ctx context.Context) (ports.Browser, func(), error) {
	if cap(p.sessions) == 0 {
		return nil, nil, fmt.Errorf("session pool is empty")
	}
	select {
	case b := <-p.sessions:
		return b, func() { p.sessions <- b }, nil
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("wait for cms session: %w", ctx.Err())
	}
}
