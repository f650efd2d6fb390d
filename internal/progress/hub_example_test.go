package progress

import (
	"context"
	"fmt"
	"time"
)

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error { return f(ctx, batch) }

func (sinkFunc) Close(context.Context) error { return nil }

// ExampleHub shows a sink tallying persisted rows once the hub is closed.
func ExampleHub() {
	var rows, retries int
	tally := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			switch {
			case evt.Stage == StageBatch && evt.Outcome == OutcomeOK:
				rows += evt.Count
			case evt.Stage == StageRetry:
				retries++
			}
		}
		return nil
	})
	hub := NewHub(Config{FlushEvery: time.Minute}, tally)

	runID := [16]byte{0x01}
	ts := time.Unix(0, 0)
	hub.Emit(Event{RunID: runID, TS: ts, Stage: StageRetry, Component: ComponentDetail,
		URL: "https://shop.example.com/api/products/HQ8718", Attempt: 1, StatusCode: 403})
	hub.Emit(Event{RunID: runID, TS: ts, Stage: StageBatch, Component: ComponentSink,
		Page: 3, Count: 48, Outcome: OutcomeOK})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("rows=%d retries=%d\n", rows, retries)
	// Output:
	// rows=48 retries=1
}
