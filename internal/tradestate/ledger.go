package tradestate

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Ledger is the append-only jsonl trade log. It doubles as the executor's
// crash-recovery journal: HasKey scans for an idempotency key so a restarted
// process can tell whether a logical order already produced a fill.
type Ledger struct {
	mu   sync.Mutex
	path string
}

func NewLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Ledger{path: path}, nil
}

// Append writes one record as a jsonl line.
func (l *Ledger) Append(rec TradeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(string(data) + "\n")
	return err
}

// HasKey reports whether any record carries the idempotency key.
func (l *Ledger) HasKey(idempotencyKey string) (bool, error) {
	if idempotencyKey == "" {
		return false, nil
	}
	found := false
	err := l.scan(func(rec TradeRecord) bool {
		if rec.IdempotencyKey == idempotencyKey {
			found = true
			return false
		}
		return true
	})
	return found, err
}

// All returns every record in append order.
func (l *Ledger) All() ([]TradeRecord, error) {
	var out []TradeRecord
	err := l.scan(func(rec TradeRecord) bool {
		out = append(out, rec)
		return true
	})
	return out, err
}

// scan streams records through fn; fn returning false stops the scan.
// Unparseable lines are skipped, never fatal — a torn final line after a
// crash must not brick the ledger.
func (l *Ledger) scan(fn func(TradeRecord) bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec TradeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	return scanner.Err()
}
