package archive

import (
	"errors"

	"github.com/freeeve/enginearena/internal/game"
	"github.com/freeeve/enginearena/internal/provider"
)

// MultiSink saves every game to all of its sinks.
type MultiSink []provider.GameSink

// SaveGame calls every sink and joins their errors.
func (m MultiSink) SaveGame(rec *game.Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.SaveGame(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
