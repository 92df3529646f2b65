//go:build !legacy

package transport

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// pollPollset is the modern pollset backend: a sorted slice of
// unix.PollFd entries, kept ordered by raw descriptor value so add/lookup
// are O(log N).
type pollPollset struct {
	mu    sync.Mutex
	fds   []unix.PollFd
	ready map[int]bool
}

// NewPollset constructs the build-selected pollset backend.
func NewPollset() Pollset {
	return &pollPollset{ready: make(map[int]bool)}
}

func (p *pollPollset) Add(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.search(fd)
	if i < len(p.fds) && int(p.fds[i].Fd) == fd {
		return // already present, idempotent
	}
	entry := unix.PollFd{Fd: int32(fd), Events: unix.POLLIN | unix.POLLRDBAND}
	p.fds = append(p.fds, unix.PollFd{})
	copy(p.fds[i+1:], p.fds[i:])
	p.fds[i] = entry
}

func (p *pollPollset) Remove(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.search(fd)
	if i >= len(p.fds) || int(p.fds[i].Fd) != fd {
		return
	}
	p.fds = append(p.fds[:i], p.fds[i+1:]...)
	delete(p.ready, fd)
}

func (p *pollPollset) Wait(timeoutMs int) (int, error) {
	p.mu.Lock()
	fds := make([]unix.PollFd, len(p.fds))
	copy(fds, p.fds)
	p.mu.Unlock()

	if len(fds) == 0 {
		return 0, nil
	}

	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("poll wait: %w", err)
	}

	p.mu.Lock()
	clear(p.ready)
	for _, f := range fds {
		if f.Revents&(unix.POLLIN|unix.POLLRDBAND) != 0 {
			p.ready[int(f.Fd)] = true
		}
	}
	p.mu.Unlock()

	return n, nil
}

func (p *pollPollset) IsReadable(fd int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready[fd]
}

// search returns the index of fd in the sorted slice, or the insertion
// point if absent.
func (p *pollPollset) search(fd int) int {
	return sort.Search(len(p.fds), func(i int) bool {
		return int(p.fds[i].Fd) >= fd
	})
}
