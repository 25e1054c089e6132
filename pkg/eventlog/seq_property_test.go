//go:build property

package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/omniplexity/substrate/pkg/model"
	"github.com/omniplexity/substrate/pkg/quota"
	"github.com/omniplexity/substrate/pkg/store"
)

// Run with: go test -tags property ./pkg/eventlog

func TestSeqIsDenseUnderConcurrentAppends(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 20

	properties := gopter.NewProperties(params)
	properties.Property("seq is exactly 1..N with no gaps or duplicates",
		prop.ForAll(func(writers int, perWriter int) bool {
			log, st := newFixture(t, quota.Guard{})
			ctx := context.Background()

			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						payload, _ := json.Marshal(map[string]string{"text": "p"})
						_, err := log.Append(ctx, model.EventIntent{
							RunID: "r1", Kind: "user_message",
							Payload: payload, Actor: model.ActorUser,
						}, "alice")
						if err != nil {
							t.Errorf("append: %v", err)
						}
					}
				}()
			}
			wg.Wait()

			events, err := st.ListEvents(ctx, "r1", store.EventFilter{Limit: writers*perWriter + 1})
			require.NoError(t, err)
			if len(events) != writers*perWriter {
				return false
			}
			seen := make(map[int64]bool, len(events))
			for i, e := range events {
				if e.Seq != int64(i+1) || seen[e.Seq] {
					return false
				}
				seen[e.Seq] = true
			}
			return true
		},
			gen.IntRange(1, 6),
			gen.IntRange(1, 8),
		))
	properties.TestingRun(t)
}
