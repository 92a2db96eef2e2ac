package refrange

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Store holds the current snapshot. Readers take one snapshot per unit of
// work; Reload swaps it without affecting analyses already running.
type Store struct {
	current atomic.Pointer[Snapshot]
	path    string
	log     zerolog.Logger
}

// NewStore loads the table at path, or the bundled sample when path is empty.
func NewStore(path string, log zerolog.Logger) (*Store, error) {
	s := &Store{path: path, log: log}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticStore wraps a fixed snapshot.
func NewStaticStore(snap *Snapshot) *Store {
	s := &Store{log: zerolog.Nop()}
	s.current.Store(snap)
	return s
}

func (s *Store) Snapshot() *Snapshot { return s.current.Load() }

func (s *Store) Reload() error {
	var (
		snap *Snapshot
		err  error
	)
	if s.path == "" {
		snap = Default()
	} else if snap, err = LoadFile(s.path); err != nil {
		return err
	}

	prev := s.current.Swap(snap)
	evt := s.log.Info().Str("version", snap.Version()).Strs("species", snap.SpeciesList())
	if prev != nil {
		evt = evt.Str("previous_version", prev.Version())
	}
	evt.Msg("reference ranges loaded")
	return nil
}
