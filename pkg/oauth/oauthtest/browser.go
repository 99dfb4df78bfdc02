package oauthtest

import (
	"io"
	"net/http"
	"sync"
)

// Browser stands in for the user's browser: Open follows the authorization
// URL and its redirect back to the local callback listener in the background.
type Browser struct {
	Client *http.Client

	mu     sync.Mutex
	opened []string
	done   chan struct{}
}

// NewBrowser returns a browser using a default HTTP client.
func NewBrowser() *Browser {
	return &Browser{
		Client: &http.Client{},
		done:   make(chan struct{}, 16),
	}
}

// Open records u and fetches it asynchronously. It never fails, mirroring a
// launcher that returns as soon as the browser process is started.
func (b *Browser) Open(u string) error {
	b.mu.Lock()
	b.opened = append(b.opened, u)
	b.mu.Unlock()

	go func() {
		defer func() {
			select {
			case b.done <- struct{}{}:
			default:
			}
		}()
		resp, err := b.Client.Get(u)
		if err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	return nil
}

// Opened returns the URLs passed to Open so far.
func (b *Browser) Opened() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.opened))
	copy(out, b.opened)
	return out
}

// Done is signalled after each background fetch finishes.
func (b *Browser) Done() <-chan struct{} {
	return b.done
}
