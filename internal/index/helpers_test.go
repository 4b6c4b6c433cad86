package index

import (
	"io"
	"log/slog"

	"github.com/starford/koinet-node/internal/rid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// keysOf returns the keys currently associated with r.
func (ix *Index) keysOf(r rid.RID) []Key {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]Key(nil), ix.byRID[r]...)
}
