package main

import (
	"context"
	"sync"

	"github.com/MegaGrindStone/isek-web-ui/internal/models"
	tea "github.com/charmbracelet/bubbletea"
)

// messagesMsg carries a snapshot of the thread messages into the program.
type messagesMsg []models.Message

// updates hands thread snapshots to the program. push runs under the thread lock, so it only stores the
// latest snapshot; forward delivers it from its own goroutine. Intermediate snapshots may be skipped.
type updates struct {
	mu     sync.Mutex
	latest []models.Message
	signal chan struct{}
}

func newUpdates() *updates {
	return &updates{signal: make(chan struct{}, 1)}
}

func (u *updates) push(_ string, msgs []models.Message) {
	u.mu.Lock()
	u.latest = msgs
	u.mu.Unlock()

	select {
	case u.signal <- struct{}{}:
	default:
	}
}

func (u *updates) forward(ctx context.Context, send func(tea.Msg)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-u.signal:
			u.mu.Lock()
			msgs := u.latest
			u.mu.Unlock()
			send(messagesMsg(msgs))
		}
	}
}
