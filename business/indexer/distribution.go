package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/fd1az/price-indexer/internal/bus"
	"github.com/fd1az/price-indexer/internal/httpclient"
	"github.com/fd1az/price-indexer/internal/logger"
	"github.com/fd1az/price-indexer/internal/market"
)

// Distribution consumes the shared bus and POSTs the buffered tickers as a
// flattened JSON array on a fixed cadence. Failed batches are dropped, not
// retried: the downstream consumer owns its own ordering and gap recovery,
// and in-sink retry would couple the hot path to remote liveness. A
// circuit breaker stops hammering a dead peer between cadence ticks.
type Distribution struct {
	log      logger.LoggerInterface
	url      string
	interval time.Duration
	ins      []*bus.Broadcaster[market.Message]
	client   httpclient.Client
	breaker  *gobreaker.CircuitBreaker[struct{}]

	sent    metric.Int64Counter
	dropped metric.Int64Counter
}

// NewDistribution creates the distribution sink reading from the given
// buses (the shared smoothed bus and the derived index bus).
func NewDistribution(url string, interval time.Duration, ins []*bus.Broadcaster[market.Message], log logger.LoggerInterface) (*Distribution, error) {
	client, err := httpclient.NewInstrumentedClient(
		httpclient.WithProviderName("distribution"),
		httpclient.WithRequestTimeout(10*time.Second),
	)
	if err != nil {
		return nil, err
	}

	d := &Distribution{
		log:      log,
		url:      url,
		interval: interval,
		ins:      ins,
		client:   client,
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:    "distribution",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}

	meter := otel.Meter(meterName)
	d.sent, _ = meter.Int64Counter(
		"distribution_sent_total",
		metric.WithDescription("Tickers distributed downstream"),
	)
	d.dropped, _ = meter.Int64Counter(
		"distribution_dropped_total",
		metric.WithDescription("Tickers dropped on distribution failure or lag"),
	)

	return d, nil
}

func (d *Distribution) Name() string { return "distribution" }

func (d *Distribution) Run(ctx context.Context) error {
	messages := receiveLoop(ctx, d.ins, d.Name(), d.log, d.dropped)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	var buffer []market.Ticker

	for {
		select {
		case <-ctx.Done():
			d.log.Info(ctx, "distribution received exit signal")
			return nil

		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			buffer = append(buffer, msg.Tickers...)

		case <-ticker.C:
			if len(buffer) == 0 {
				continue
			}
			batch := buffer
			buffer = nil
			if err := d.send(ctx, batch); err != nil {
				d.dropped.Add(ctx, int64(len(batch)))
				d.log.Error(ctx, "dropping batch after send failure",
					"count", len(batch), "error", err)
				continue
			}
			d.sent.Add(ctx, int64(len(batch)))
			d.log.Debug(ctx, "distributed tickers", "count", len(batch))
		}
	}
}

// send POSTs the batch through the circuit breaker. Non-2xx statuses and
// transport errors both count as failures.
func (d *Distribution) send(ctx context.Context, batch []market.Ticker) error {
	_, err := d.breaker.Execute(func() (struct{}, error) {
		resp, err := d.client.NewRequest().
			SetHeader("Content-Type", "application/json").
			SetBody(batch).
			Post(ctx, d.url)
		if err != nil {
			return struct{}{}, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return struct{}{}, fmt.Errorf("distribution endpoint returned %d", resp.StatusCode)
		}
		return struct{}{}, nil
	})
	return err
}
