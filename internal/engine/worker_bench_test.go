package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

func BenchmarkWorkerPool(b *testing.B) {
	for _, size := range []int{10, 50, 100} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			pool := NewWorkerPool(size, nil)
			defer pool.Shutdown()
			ctx := context.Background()

			var wg sync.WaitGroup
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				wg.Add(1)
				_ = pool.Submit(ctx, func(context.Context) error {
					wg.Done()
					return nil
				})
			}
			wg.Wait()
		})
	}
}

func BenchmarkWorkerPool_IOBound(b *testing.B) {
	pool := NewWorkerPool(50, nil)
	defer pool.Shutdown()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var wg sync.WaitGroup
		for j := 0; j < 100; j++ {
			wg.Add(1)
			_ = pool.Submit(ctx, func(context.Context) error {
				defer wg.Done()
				time.Sleep(time.Microsecond)
				return nil
			})
		}
		wg.Wait()
	}
}

// BenchmarkSweep measures one sweep over 100 due single-step executions.
func BenchmarkSweep(b *testing.B) {
	ctx := context.Background()
	noop := runnerFunc(func(context.Context, schema.ActionKind, map[string]any, expressions.Vars) (actions.Result, error) {
		return actions.Result{}, nil
	})

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		s, err := store.NewLibSQLStore("file:" + filepath.Join(b.TempDir(), fmt.Sprintf("bench-%d.db", i)))
		if err != nil {
			b.Fatal(err)
		}
		if _, err := s.Migrate(ctx); err != nil {
			b.Fatal(err)
		}
		eng, err := New(Config{Store: s, Runner: noop, PoolSize: 10})
		if err != nil {
			b.Fatal(err)
		}
		if _, err := eng.DefineWorkflow(ctx, &schema.WorkflowDefinition{
			TenantID: "bench", Name: "bench", TriggerType: schema.TriggerManual, Active: true,
			Steps: []schema.StepDefinition{{ActionKind: schema.ActionWait}},
		}); err != nil {
			b.Fatal(err)
		}
		for j := 0; j < 100; j++ {
			if _, err := eng.TriggerWorkflow(ctx, "bench", schema.TriggerManual, nil); err != nil {
				b.Fatal(err)
			}
		}
		b.StartTimer()

		if _, err := eng.Sweep(ctx, time.Now()); err != nil {
			b.Fatal(err)
		}

		b.StopTimer()
		eng.Close()
		s.Close()
		b.StartTimer()
	}
}
