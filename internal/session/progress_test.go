package session_test

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/syncsession/internal/engine"
	"github.com/TheMichaelB/syncsession/internal/events"
	"github.com/TheMichaelB/syncsession/internal/models"
	"github.com/TheMichaelB/syncsession/internal/session"
	"github.com/TheMichaelB/syncsession/test/testutil"
)

// progressLog collects what a listener saw.
type progressLog struct {
	mu   sync.Mutex
	seen []models.Progress
}

func (l *progressLog) listener() session.ProgressListener {
	return func(p models.Progress) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.seen = append(l.seen, p)
	}
}

func (l *progressLog) get() []models.Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Progress(nil), l.seen...)
}

func progress(transferred, transferable uint64) models.Progress {
	return models.Progress{TransferredBytes: transferred, TransferableBytes: transferable}
}

func TestProgressListenerRequired(t *testing.T) {
	s, _ := newSession(t, session.Config{})

	_, err := s.AddDownloadProgressListener(models.Indefinitely, nil)
	assert.ErrorIs(t, err, models.ErrNilListener)
}

func TestProgressDeduplicated(t *testing.T) {
	path := "/data/progress.realm"
	eng := testutil.NewMockEngine()
	eng.Test(t)
	eng.On("AddProgressListener", path, mock.Anything, models.Download, true).Return(int64(11), nil)

	s, err := session.New(session.Config{Path: path}, eng, events.Discard)
	require.NoError(t, err)
	defer s.Close()

	var log progressLog
	reg, err := s.AddDownloadProgressListener(models.Indefinitely, log.listener())
	require.NoError(t, err)
	assert.Equal(t, models.Download, reg.Direction())
	assert.Equal(t, models.Indefinitely, reg.Mode())

	for _, p := range []models.Progress{
		progress(0, 100),
		progress(0, 100),
		progress(50, 100),
		progress(50, 100),
		progress(50, 200),
		progress(200, 200),
		progress(200, 200),
	} {
		s.OnProgress(engine.ProgressEvent{
			Path:         path,
			ListenerID:   reg.ID(),
			Transferred:  p.TransferredBytes,
			Transferable: p.TransferableBytes,
		})
	}
	// Unknown listener ids are ignored.
	s.OnProgress(engine.ProgressEvent{Path: path, ListenerID: reg.ID() + 100, Transferred: 1, Transferable: 1})
	require.NoError(t, s.Flush(context.Background()))

	assert.Equal(t, []models.Progress{
		progress(0, 100),
		progress(50, 100),
		progress(50, 200),
		progress(200, 200),
	}, log.get())

	// Indefinite listeners survive completion.
	assert.Equal(t, []int64{reg.ID()}, s.RegisteredProgressIDs())
	eng.AssertExpectations(t)
}

func TestProgressCurrentChangesNothingPending(t *testing.T) {
	s, m := newSession(t, session.Config{})

	var log progressLog
	reg, err := s.AddDownloadProgressListener(models.CurrentChanges, log.listener())
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Empty(t, s.RegisteredProgressIDs())
	assert.Zero(t, m.ListenerCount(s.Path()))

	// Later traffic and even events naming its id never reach it.
	require.NoError(t, m.AddPending(s.Path(), models.Download, 10))
	require.NoError(t, m.Transfer(s.Path(), models.Download, 10))
	s.OnProgress(engine.ProgressEvent{Path: s.Path(), ListenerID: reg.ID(), Transferred: 1, Transferable: 10})
	flush(t, s, m)

	assert.Empty(t, log.get())
	assert.NoError(t, s.RemoveProgressListener(reg))
}

func TestProgressCurrentChangesAutoRemoved(t *testing.T) {
	s, m := newSession(t, session.Config{})
	path := s.Path()
	require.NoError(t, m.AddPending(path, models.Upload, 100))

	var log progressLog
	reg, err := s.AddUploadProgressListener(models.CurrentChanges, log.listener())
	require.NoError(t, err)
	assert.Equal(t, []int64{reg.ID()}, s.RegisteredProgressIDs())

	require.NoError(t, m.Transfer(path, models.Upload, 40))
	require.NoError(t, m.AddPending(path, models.Upload, 500))
	require.NoError(t, m.Transfer(path, models.Upload, 60))
	flush(t, s, m)

	// Reports stop at the backlog present at registration time.
	assert.Equal(t, []models.Progress{
		progress(0, 100),
		progress(40, 100),
		progress(100, 100),
	}, log.get())
	assert.Empty(t, s.RegisteredProgressIDs())
	assert.Zero(t, m.ListenerCount(path))

	require.NoError(t, m.Transfer(path, models.Upload, 500))
	flush(t, s, m)
	assert.Len(t, log.get(), 3)
}

func TestProgressIndefinitely(t *testing.T) {
	s, m := newSession(t, session.Config{})
	path := s.Path()

	var log progressLog
	reg, err := s.AddDownloadProgressListener(models.Indefinitely, log.listener())
	require.NoError(t, err)

	require.NoError(t, m.AddPending(path, models.Download, 10))
	require.NoError(t, m.Transfer(path, models.Download, 10))
	require.NoError(t, m.AddPending(path, models.Download, 5))
	flush(t, s, m)

	assert.Equal(t, []models.Progress{
		progress(0, 0),
		progress(0, 10),
		progress(10, 10),
		progress(10, 15),
	}, log.get())

	require.NoError(t, s.RemoveProgressListener(reg))
	assert.Zero(t, m.ListenerCount(path))

	require.NoError(t, m.Transfer(path, models.Download, 5))
	flush(t, s, m)
	assert.Len(t, log.get(), 4)
}

func TestProgressReportedDuringRegistration(t *testing.T) {
	s, m := newSession(t, session.Config{}, engine.WithSynchronousRegistration())
	require.NoError(t, m.AddPending(s.Path(), models.Download, 8))

	var log progressLog
	_, err := s.AddDownloadProgressListener(models.Indefinitely, log.listener())
	require.NoError(t, err)
	flush(t, s, m)

	assert.Equal(t, []models.Progress{progress(0, 8)}, log.get())
}

func TestProgressAddRemoveInterleavings(t *testing.T) {
	s, m := newSession(t, session.Config{})
	path := s.Path()
	require.NoError(t, m.AddPending(path, models.Download, 1000))
	require.NoError(t, m.AddPending(path, models.Upload, 1000))

	const workers = 8
	const perWorker = 25

	var (
		mu   sync.Mutex
		kept []int64
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))

			for i := 0; i < perWorker; i++ {
				add := s.AddDownloadProgressListener
				if rng.Intn(2) == 0 {
					add = s.AddUploadProgressListener
				}
				mode := models.Indefinitely
				if rng.Intn(2) == 0 {
					mode = models.CurrentChanges
				}

				reg, err := add(mode, func(models.Progress) {})
				if !assert.NoError(t, err) {
					return
				}

				if rng.Intn(2) == 0 {
					assert.NoError(t, s.RemoveProgressListener(reg))
					// Removing twice is a no-op.
					assert.NoError(t, s.RemoveProgressListener(reg))
					continue
				}
				mu.Lock()
				kept = append(kept, reg.ID())
				mu.Unlock()
			}
		}(int64(w))
	}
	wg.Wait()
	flush(t, s, m)

	sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })
	if len(kept) == 0 {
		kept = []int64{}
	}
	assert.Equal(t, kept, s.RegisteredProgressIDs())
	assert.Equal(t, len(kept), m.ListenerCount(path))
	assert.NoError(t, s.RemoveProgressListener(nil))
}

func TestProgressListenerPanicRecovered(t *testing.T) {
	s, m := newSession(t, session.Config{})
	path := s.Path()

	_, err := s.AddDownloadProgressListener(models.Indefinitely, func(models.Progress) {
		panic("listener bug")
	})
	require.NoError(t, err)

	var log progressLog
	_, err = s.AddDownloadProgressListener(models.Indefinitely, log.listener())
	require.NoError(t, err)

	require.NoError(t, m.AddPending(path, models.Download, 3))
	flush(t, s, m)

	assert.Equal(t, []models.Progress{progress(0, 0), progress(0, 3)}, log.get())
}

func TestProgressEngineFailure(t *testing.T) {
	path := "/data/failing.realm"
	eng := testutil.NewMockEngine()
	eng.Test(t)
	eng.On("AddProgressListener", path, mock.Anything, models.Upload, false).Return(int64(0), models.ErrEngineUnavailable)

	s, err := session.New(session.Config{Path: path}, eng, events.Discard)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.AddUploadProgressListener(models.CurrentChanges, func(models.Progress) {})
	assert.ErrorIs(t, err, models.ErrEngineUnavailable)
	assert.Empty(t, s.RegisteredProgressIDs())
}
