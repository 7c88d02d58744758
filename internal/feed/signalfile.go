package feed

import (
	"context"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/quantsys/trading-engine/internal/errors"
	"github.com/quantsys/trading-engine/internal/executor"
	"github.com/quantsys/trading-engine/internal/logger"
)

// SignalFile reads signals from a YAML file on every cycle. An external
// strategy process owns the file; the engine only consumes it. A missing
// file means no signals this cycle, which winds positions down rather than
// failing the loop.
type SignalFile struct {
	path string
	log  *logger.Logger

	mu        sync.Mutex
	lastMarks map[string]float64
	warned    bool
}

type signalEntry struct {
	Symbol     string  `yaml:"symbol"`
	Score      float64 `yaml:"score"`
	Price      float64 `yaml:"price"`
	Volatility float64 `yaml:"volatility"`
}

type signalDoc struct {
	Signals []signalEntry `yaml:"signals"`
}

// NewSignalFile creates a feed reading the YAML file at path
func NewSignalFile(path string, log *logger.Logger) *SignalFile {
	return &SignalFile{
		path:      path,
		log:       log,
		lastMarks: make(map[string]float64),
	}
}

// Signals re-reads the file and returns its current contents
func (f *SignalFile) Signals(ctx context.Context) ([]executor.Signal, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.mu.Lock()
			if !f.warned {
				f.warned = true
				f.log.Warning("signal file %s not found; treating as no signals", f.path)
			}
			f.mu.Unlock()
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.CategoryConfig, "feed", "read_signals")
	}

	var doc signalDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfig, "feed", "parse_signals")
	}

	signals := make([]executor.Signal, 0, len(doc.Signals))
	f.mu.Lock()
	f.warned = false
	for _, e := range doc.Signals {
		if e.Symbol == "" {
			continue
		}
		if e.Price > 0 {
			f.lastMarks[e.Symbol] = e.Price
		}
		signals = append(signals, executor.Signal{
			Symbol:     e.Symbol,
			Score:      clamp(e.Score, -1, 1),
			Price:      e.Price,
			Volatility: e.Volatility,
		})
	}
	f.mu.Unlock()
	return signals, nil
}

// Marks returns the last price seen per symbol
func (f *SignalFile) Marks() map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	marks := make(map[string]float64, len(f.lastMarks))
	for sym, price := range f.lastMarks {
		marks[sym] = price
	}
	return marks
}
