//go:build legacy

package transport

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// selectPollset is the legacy pollset backend: a single fd_set snapshotted
// on every Wait, matching the source's IP_NETWORK_LEGACY select() path.
type selectPollset struct {
	mu    sync.Mutex
	fds   map[int]struct{}
	ready map[int]bool
}

// NewPollset constructs the build-selected pollset backend.
func NewPollset() Pollset {
	return &selectPollset{
		fds:   make(map[int]struct{}),
		ready: make(map[int]bool),
	}
}

func (p *selectPollset) Add(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fds[fd] = struct{}{}
}

func (p *selectPollset) Remove(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.fds, fd)
	delete(p.ready, fd)
}

func (p *selectPollset) Wait(timeoutMs int) (int, error) {
	p.mu.Lock()
	fds := make([]int, 0, len(p.fds))
	for fd := range p.fds {
		fds = append(fds, fd)
	}
	p.mu.Unlock()

	if len(fds) == 0 {
		return 0, nil
	}

	var set unix.FdSet
	maxFd := 0
	for _, fd := range fds {
		fdSet(&set, fd)
		if fd > maxFd {
			maxFd = fd
		}
	}

	tv := unix.NsecToTimeval(int64(timeoutMs) * int64(1_000_000))
	n, err := unix.Select(maxFd+1, &set, nil, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("select wait: %w", err)
	}

	p.mu.Lock()
	clear(p.ready)
	for _, fd := range fds {
		if fdIsSet(&set, fd) {
			p.ready[fd] = true
		}
	}
	p.mu.Unlock()

	return n, nil
}

func (p *selectPollset) IsReadable(fd int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready[fd]
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
