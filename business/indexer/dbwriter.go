package indexer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/fd1az/price-indexer/internal/apperror"
	"github.com/fd1az/price-indexer/internal/bus"
	"github.com/fd1az/price-indexer/internal/logger"
	"github.com/fd1az/price-indexer/internal/market"
)

const meterName = "github.com/fd1az/price-indexer/business/indexer"

// DBWriter consumes the shared bus and flushes buffered tickers into the
// tickers table with one multi-row insert per cadence tick. Broadcast lag
// is counted and skipped; a database error is fatal to the worker — the
// sink does not reconnect, the process restarts.
type DBWriter struct {
	log      logger.LoggerInterface
	url      string
	interval time.Duration
	ins      []*bus.Broadcaster[market.Message]

	mu sync.Mutex
	db *sqlx.DB // live handle, nil until Run connects

	written metric.Int64Counter
	dropped metric.Int64Counter
}

// NewDBWriter creates the persistence sink reading from the given buses
// (the shared smoothed bus and the derived index bus).
func NewDBWriter(databaseURL string, interval time.Duration, ins []*bus.Broadcaster[market.Message], log logger.LoggerInterface) *DBWriter {
	w := &DBWriter{
		log:      log,
		url:      databaseURL,
		interval: interval,
		ins:      ins,
	}

	meter := otel.Meter(meterName)
	w.written, _ = meter.Int64Counter(
		"persistence_written_total",
		metric.WithDescription("Tickers written to the database"),
	)
	w.dropped, _ = meter.Int64Counter(
		"persistence_dropped_total",
		metric.WithDescription("Tickers missed due to broadcast lag"),
	)

	return w
}

func (w *DBWriter) Name() string { return "db-writer" }

func (w *DBWriter) Run(ctx context.Context) error {
	db, err := sqlx.ConnectContext(ctx, "postgres", w.url)
	if err != nil {
		return apperror.Fatal(apperror.CodeDatabaseConnectionFailed, "db-writer", err)
	}
	defer db.Close()

	w.mu.Lock()
	w.db = db
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.db = nil
		w.mu.Unlock()
	}()

	messages := receiveLoop(ctx, w.ins, w.Name(), w.log, w.dropped)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var buffer []market.Ticker

	for {
		select {
		case <-ctx.Done():
			w.log.Info(ctx, "db writer received exit signal")
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
			if err := insertTickers(ctx, db, batch); err != nil {
				return apperror.Fatal(apperror.CodeDatabaseInsertFailed, "db-writer", err)
			}
			w.written.Add(ctx, int64(len(batch)))
			w.log.Debug(ctx, "flushed tickers to database", "count", len(batch))
		}
	}
}

// HealthCheck reports database reachability to the health server.
func (w *DBWriter) HealthCheck(ctx context.Context) (bool, string) {
	w.mu.Lock()
	db := w.db
	w.mu.Unlock()

	if db == nil {
		return false, "not connected"
	}
	if err := db.PingContext(ctx); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// insertTickers writes the batch with a single multi-row insert.
func insertTickers(ctx context.Context, db *sqlx.DB, tickers []market.Ticker) error {
	query, args := buildInsert(tickers)
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

func buildInsert(tickers []market.Ticker) (string, []interface{}) {
	values := make([]string, 0, len(tickers))
	args := make([]interface{}, 0, len(tickers)*4)
	for i, t := range tickers {
		base := i * 4
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4))
		args = append(args, string(t.Symbol), t.Price, t.Timestamp.UnixMilli(), string(t.Source))
	}

	query := "INSERT INTO tickers (symbol, price, timestamp, source) VALUES " +
		strings.Join(values, ", ")
	return query, args
}

// receiveLoop pumps broadcast receivers into one channel so sinks can
// select over messages and their flush cadence together. Lag is logged,
// counted, and skipped. The channel closes when the context is done.
func receiveLoop(ctx context.Context, ins []*bus.Broadcaster[market.Message], name string, log logger.LoggerInterface, dropped metric.Int64Counter) <-chan market.Message {
	out := make(chan market.Message)

	var wg sync.WaitGroup
	for _, in := range ins {
		rx := in.Subscribe(name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := rx.Recv(ctx)
				if err != nil {
					if n, ok := bus.AsLag(err); ok {
						log.Warn(ctx, "receiver lagged", "receiver", name, "missed", n)
						if dropped != nil {
							dropped.Add(ctx, int64(n))
						}
						continue
					}
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
