package vectorstore

import (
	"context"

	"github.com/Xerpend/Melanie/internal/config"
	"github.com/Xerpend/Melanie/internal/ragerr"
)

// New dispatches on cfg.Backend, mirroring
// original_source/RAG/src/vector_store.rs's create_vector_store.
func New(ctx context.Context, cfg config.VectorStore, numWorkers int) (VectorStore, error) {
	switch cfg.Backend {
	case config.BackendPersistent:
		return OpenPostgres(ctx, cfg.DBPath, cfg.Dimension, numWorkers)
	case config.BackendInMemory, "":
		return NewInMemory(cfg.Dimension, numWorkers), nil
	default:
		return nil, ragerr.Configuration("unknown vector store backend: " + string(cfg.Backend))
	}
}
