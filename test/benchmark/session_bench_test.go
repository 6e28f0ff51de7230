package benchmark

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/TheMichaelB/syncsession/internal/dispatch"
	"github.com/TheMichaelB/syncsession/internal/engine"
	"github.com/TheMichaelB/syncsession/internal/events"
	"github.com/TheMichaelB/syncsession/internal/models"
	"github.com/TheMichaelB/syncsession/internal/session"
)

func BenchmarkDispatchQueue(b *testing.B) {
	q := dispatch.New(events.Discard)
	defer q.Close()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		q.Push(func() {})
	}
	if err := q.Flush(context.Background()); err != nil {
		b.Fatal(err)
	}
}

func BenchmarkProgressNotify(b *testing.B) {
	for _, listeners := range []int{1, 10, 100} {
		b.Run(fmt.Sprintf("%d_listeners", listeners), func(b *testing.B) {
			m := engine.NewMemory(events.Discard)
			defer m.Close()

			path := "/bench/progress.realm"
			s, err := session.New(session.Config{Path: path}, m, events.Discard)
			if err != nil {
				b.Fatal(err)
			}
			defer s.Close()
			m.SetHandler(s)

			if err := m.OpenSession(path); err != nil {
				b.Fatal(err)
			}
			ids := make([]int64, 0, listeners)
			for i := 0; i < listeners; i++ {
				reg, err := s.AddDownloadProgressListener(models.Indefinitely, func(models.Progress) {})
				if err != nil {
					b.Fatal(err)
				}
				ids = append(ids, reg.ID())
			}

			b.ReportAllocs()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				for _, id := range ids {
					s.OnProgress(engine.ProgressEvent{
						Path:         path,
						ListenerID:   id,
						Transferred:  uint64(i),
						Transferable: uint64(b.N),
					})
				}
			}
			if err := s.Flush(context.Background()); err != nil {
				b.Fatal(err)
			}
		})
	}
}

func BenchmarkUploadWait(b *testing.B) {
	m := engine.NewMemory(events.Discard)
	defer m.Close()

	path := "/bench/wait.realm"
	s, err := session.New(session.Config{Path: path}, m, events.Discard)
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	m.SetHandler(s)

	if err := m.OpenSession(path); err != nil {
		b.Fatal(err)
	}
	if err := s.Start(); err != nil {
		b.Fatal(err)
	}

	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()

	// Nothing is pending, so every wait completes as soon as it registers.
	for i := 0; i < b.N; i++ {
		ok, err := s.UploadAllLocalChangesTimeout(ctx, time.Second)
		if err != nil || !ok {
			b.Fatalf("wait %d: ok=%v err=%v", i, ok, err)
		}
	}
}
