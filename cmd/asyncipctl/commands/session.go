package commands

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/asyncip/engine/internal/engine"
)

// session holds the single in-process Engine shared by every command
// invocation and a friendly-name -> connection-id index, mirroring the
// way gobfdctl's shell keeps one daemon connection alive across commands
// -- here the "connection" is the engine itself rather than an RPC client.
type session struct {
	mu    sync.Mutex
	eng   *engine.Engine
	names map[string]int64
}

var sess = newSession()

func newSession() *session {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return &session{
		eng:   engine.New(logger, false),
		names: make(map[string]int64),
	}
}

func (s *session) register(name string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[name] = id
}

func (s *session) resolve(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.names[name]
	if !ok {
		return engine.InvalidID, fmt.Errorf("no connection named %q (see %q)", name, "stats")
	}
	return id, nil
}

func (s *session) forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.names, name)
}

// all returns an unordered snapshot copy of name -> id for "stats" with no
// --name argument; the caller sorts the names itself.
func (s *session) all() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.names))
	for k, v := range s.names {
		out[k] = v
	}
	return out
}
