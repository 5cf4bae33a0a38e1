package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"ledgersync/client"
	v1 "ledgersync/pkg/api/v1"
	"ledgersync/pkg/constraints"
	"ledgersync/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	addr      = flag.String("addr", "http://localhost:8080", "ledgersync server address")
	token     = flag.String("token", "", "access token for enqueue calls")
	deviceKey = flag.String("key", "", "device key for the event stream")
	watchers  = flag.Int("watchers", 200, "concurrent stream watchers")
	writers   = flag.Int("writers", 4, "concurrent enqueue workers")
	opsPerSec = flag.Float64("rate", 50, "total enqueue rate per second")
	rampUp    = flag.Duration("ramp", 10*time.Second, "watcher ramp up duration")
	duration  = flag.Duration("d", time.Minute, "test duration")
)

var (
	activeWatchers int64
	enqueued       int64
	enqueueErrors  int64
	resultsRx      int64
	latencySum     int64 // milliseconds
	latencyCount   int64
)

// sent remembers when each operation was enqueued so the first watcher to see
// its result can record the end-to-end latency.
var sent sync.Map

func main() {
	flag.Parse()
	logger.InitLogger("loadtest")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, stop := context.WithTimeout(ctx, *duration)
	defer stop()

	fmt.Printf("load test against %s: %d watchers, %d writers at %.0f ops/s for %v\n",
		*addr, *watchers, *writers, *opsPerSec, *duration)

	var wg sync.WaitGroup
	go report(ctx)

	limiter := rate.NewLimiter(rate.Limit(*opsPerSec), *writers)
	api := client.New(*addr, client.WithToken(*token))
	for i := 0; i < *writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			write(ctx, api, limiter)
		}()
	}

	interval := *rampUp / time.Duration(max(1, *watchers))
	for i := 0; i < *watchers && ctx.Err() == nil; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watch(ctx)
		}()
		time.Sleep(interval)
	}

	wg.Wait()
	fmt.Println("done")
}

func write(ctx context.Context, api *client.Client, limiter *rate.Limiter) {
	for limiter.Wait(ctx) == nil {
		now := time.Now().UTC()
		id := uuid.NewString()
		data, _ := json.Marshal(map[string]any{
			"id":         id,
			"name":       "load " + id[:8],
			"updated_at": now,
		})
		res, err := api.Enqueue(ctx, v1.EnqueueRequest{
			Type:       v1.OperationCreate,
			Collection: constraints.CollectionCustomers,
			DocumentID: id,
			Payload: v1.Envelope{
				Schema:    constraints.SchemaCustomer,
				UpdatedAt: now,
				Data:      data,
			},
		})
		if err != nil {
			if atomic.AddInt64(&enqueueErrors, 1) == 1 {
				fmt.Printf("enqueue error: %v\n", err)
			}
			continue
		}
		sent.Store(res.OperationID, now)
		atomic.AddInt64(&enqueued, 1)
	}
}

func watch(ctx context.Context) {
	c := client.New(*addr, client.WithDeviceKey(*deviceKey))
	atomic.AddInt64(&activeWatchers, 1)
	defer atomic.AddInt64(&activeWatchers, -1)

	_ = c.Watch(ctx, func(msg v1.Message) {
		if msg.Kind != constraints.KindResult || msg.Result == nil {
			return
		}
		atomic.AddInt64(&resultsRx, 1)
		if at, ok := sent.LoadAndDelete(msg.Result.OperationID); ok {
			atomic.AddInt64(&latencySum, time.Since(at.(time.Time)).Milliseconds())
			atomic.AddInt64(&latencyCount, 1)
		}
	})
}

func report(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			latSum := atomic.SwapInt64(&latencySum, 0)
			latCnt := atomic.SwapInt64(&latencyCount, 0)
			avg := float64(0)
			if latCnt > 0 {
				avg = float64(latSum) / float64(latCnt)
			}
			fmt.Printf("[%s] watchers: %d | enqueued: %d | errors: %d | results/s: %d | avg sync latency: %.1f ms\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&activeWatchers),
				atomic.LoadInt64(&enqueued),
				atomic.LoadInt64(&enqueueErrors),
				atomic.SwapInt64(&resultsRx, 0),
				avg)
		}
	}
}
