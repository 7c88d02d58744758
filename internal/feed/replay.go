package feed

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/quantsys/trading-engine/internal/errors"
	"github.com/quantsys/trading-engine/internal/executor"
	"github.com/quantsys/trading-engine/internal/logger"
)

// Replay serves signals and marks from historical CSV candles, advancing one
// bar per cycle. Each symbol is loaded from <dataDir>/<SYMBOL>.csv with a
// header row and timestamp,open,high,low,close,volume columns. Scores are
// momentum of price against its moving average, normalized by realized
// volatility.
type Replay struct {
	mu       sync.Mutex
	series   map[string][]Candle
	cursor   int
	length   int // shortest series; replay stops here
	lookback int
	done     bool
	log      *logger.Logger
}

// NewReplay loads every symbol's candle file and positions the cursor past
// the warm-up window
func NewReplay(dataDir string, symbols []string, lookback int, log *logger.Logger) (*Replay, error) {
	if len(symbols) == 0 {
		return nil, errors.New(errors.CategoryConfig, "feed", "replay",
			"replay feed requires at least one symbol")
	}
	if lookback < 2 {
		lookback = 20
	}

	r := &Replay{
		series:   make(map[string][]Candle, len(symbols)),
		cursor:   lookback,
		lookback: lookback,
		log:      log,
	}
	for _, sym := range symbols {
		path := filepath.Join(dataDir, sym+".csv")
		candles, err := loadCandles(path, log)
		if err != nil {
			return nil, err
		}
		if len(candles) <= lookback {
			return nil, errors.New(errors.CategoryConfig, "feed", "replay",
				"%s: %d candles is not enough for a %d-bar lookback", sym, len(candles), lookback)
		}
		if r.length == 0 || len(candles) < r.length {
			r.length = len(candles)
		}
		r.series[sym] = candles
		log.Info("replay feed loaded %d candles for %s", len(candles), sym)
	}
	return r, nil
}

// Signals scores every symbol at the current bar, then advances the cursor.
// A nil slice after the series is exhausted tells the loop to wind down
// positions.
func (r *Replay) Signals(ctx context.Context) ([]executor.Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cursor >= r.length {
		if !r.done {
			r.done = true
			r.log.Info("replay feed exhausted after %d bars", r.length)
		}
		return nil, nil
	}

	signals := make([]executor.Signal, 0, len(r.series))
	for sym, candles := range r.series {
		window := candles[:r.cursor+1]
		price := window[len(window)-1].Close
		avg := sma(window, r.lookback)
		vol := realizedVol(window, r.lookback)

		score := 0.0
		if avg > 0 {
			momentum := price/avg - 1
			if vol > 0 {
				score = clamp(momentum/vol, -1, 1)
			} else if momentum > 0 {
				score = 1
			} else if momentum < 0 {
				score = -1
			}
		}
		signals = append(signals, executor.Signal{
			Symbol:     sym,
			Score:      score,
			Price:      price,
			Volatility: vol,
		})
	}
	r.cursor++
	return signals, nil
}

// Marks returns the close of the most recently served bar per symbol
func (r *Replay) Marks() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.cursor - 1
	if idx < 0 {
		idx = 0
	}
	marks := make(map[string]float64, len(r.series))
	for sym, candles := range r.series {
		if idx >= len(candles) {
			marks[sym] = candles[len(candles)-1].Close
			continue
		}
		marks[sym] = candles[idx].Close
	}
	return marks
}

var timestampLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// loadCandles parses one CSV candle file, skipping rows that fail basic
// OHLC sanity checks
func loadCandles(path string, log *logger.Logger) ([]Candle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfig, "feed", "open_candles")
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfig, "feed", "read_header")
	}

	var candles []Candle
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryConfig, "feed", "read_candles")
		}
		line++
		if len(record) < 6 {
			log.Warning("%s line %d: expected 6 columns, got %d, skipping", path, line, len(record))
			continue
		}

		ts, err := parseTimestamp(record[0])
		if err != nil {
			log.Warning("%s line %d: bad timestamp %q, skipping", path, line, record[0])
			continue
		}
		values := make([]float64, 5)
		ok := true
		for i := 1; i <= 5; i++ {
			values[i-1], err = strconv.ParseFloat(record[i], 64)
			if err != nil {
				log.Warning("%s line %d: bad value %q, skipping", path, line, record[i])
				ok = false
				break
			}
		}
		if !ok {
			continue
		}

		c := Candle{Timestamp: ts, Open: values[0], High: values[1], Low: values[2], Close: values[3], Volume: values[4]}
		if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
			log.Warning("%s line %d: non-positive price, skipping", path, line)
			continue
		}
		if c.High < c.Low || c.High < c.Open || c.High < c.Close || c.Low > c.Open || c.Low > c.Close {
			log.Warning("%s line %d: inconsistent OHLC, skipping", path, line)
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	// Unix seconds or milliseconds.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n), nil
		}
		return time.Unix(n, 0), nil
	}
	return time.Time{}, lastErr
}
