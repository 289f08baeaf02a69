package scheduler

import (
	"context"
	"path/filepath"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/artifactsink"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/trialstate"
)

// SinkMirror mirrors a batch's state files, layer records and review files
// to an artifact sink.
type SinkMirror struct {
	Sink  artifactsink.Sink
	Store *trialstate.Store
}

// MirrorBatch implements Mirror.
func (m SinkMirror) MirrorBatch(ctx context.Context, trialIDs []int) error {
	fs, root := m.Store.Fs(), m.Store.Root()

	if _, err := artifactsink.MirrorFiles(ctx, m.Sink, fs, root,
		m.Store.TrialsPath(),
		m.Store.ExperimentPath(),
		trialstate.PointerPath(root),
	); err != nil {
		return err
	}
	for _, id := range trialIDs {
		dir := filepath.Dir(m.Store.LayerPath(id, trialstate.LayerFacts))
		if _, err := artifactsink.MirrorDir(ctx, m.Sink, fs, root, dir); err != nil {
			return err
		}
	}
	_, err := artifactsink.MirrorDir(ctx, m.Sink, fs, root, m.Store.ReviewDir())
	return err
}
