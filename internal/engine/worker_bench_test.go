package engine

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func BenchmarkBranchPool(b *testing.B) {
	for _, limit := range []int{8, 64, 256} {
		b.Run(fmt.Sprintf("limit=%d", limit), func(b *testing.B) {
			pool := NewBranchPool(limit)
			defer pool.Shutdown()
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = pool.Go(ctx, fmt.Sprintf("b%d", i), func(context.Context) error {
					return nil
				})
			}
			pool.Wait()
		})
	}
}

func BenchmarkBranchPool_IOBound(b *testing.B) {
	pool := NewBranchPool(32)
	defer pool.Shutdown()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.Go(ctx, fmt.Sprintf("b%d", i), func(context.Context) error {
			time.Sleep(time.Microsecond)
			return nil
		})
	}
	pool.Wait()
}
