package index

import (
	"log/slog"

	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

// Source is the read side of the object store used to rebuild the index.
type Source interface {
	List(types ...rid.Type) ([]rid.RID, error)
	Read(r rid.RID) (*models.Bundle, error)
}

// Rebuild walks every cached record of an indexed type and upserts it.
// Records that fail to read or derive are logged and skipped. It returns
// the number of records indexed.
func Rebuild(ix *Index, src Source, logger *slog.Logger) (int, error) {
	types := ix.Types()
	if len(types) == 0 {
		return 0, nil
	}
	rids, err := src.List(types...)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, r := range rids {
		b, err := src.Read(r)
		if err != nil {
			logger.Warn("index: read failed", slog.String("rid", r.String()), slog.String("error", err.Error()))
			continue
		}
		if err := ix.Apply(b); err != nil {
			logger.Warn("index: rebuild entry failed", slog.String("rid", r.String()), slog.String("error", err.Error()))
			continue
		}
		n++
	}
	logger.Info("index: rebuilt", slog.Int("records", n))
	return n, nil
}
