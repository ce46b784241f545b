// Package ledger provides durable sinks for escalation events. Every sink is
// idempotent on the event key, so the dispatcher can retry delivery without
// producing duplicate records.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/crisisdesk/triage/pkg/triage"
)

// JSONLLedger appends escalation events to an append-only JSON Lines file.
// On open it replays the file to rebuild the set of seen event keys;
// re-delivered events are skipped rather than duplicated.
type JSONLLedger struct {
	mu   sync.Mutex
	file *os.File
	seen map[string]struct{}
}

// OpenJSONL opens or creates the ledger file at path.
func OpenJSONL(path string) (*JSONLLedger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}

	l := &JSONLLedger{
		file: f,
		seen: make(map[string]struct{}),
	}
	if err := l.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// replay scans existing lines to rebuild the dedupe set. Corrupt lines are
// logged and skipped so a torn final write never blocks startup.
func (l *JSONLLedger) replay() error {
	if _, err := l.file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek ledger: %w", err)
	}
	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var ev triage.EscalationEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			log.Printf("[WARN] ledger: skipping corrupt line %d: %v", line, err)
			continue
		}
		l.seen[ev.Key()] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("replay ledger: %w", err)
	}
	if _, err := l.file.Seek(0, 2); err != nil {
		return fmt.Errorf("seek ledger end: %w", err)
	}
	return nil
}

// Append records an event. Events whose key was already recorded are
// silently accepted without a second write.
func (l *JSONLLedger) Append(_ context.Context, ev triage.EscalationEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ev.Key()
	if _, ok := l.seen[key]; ok {
		return nil
	}

	buf, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode escalation %s: %w", key, err)
	}
	buf = append(buf, '\n')

	if _, err := l.file.Write(buf); err != nil {
		return fmt.Errorf("write escalation %s: %w", key, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}

	l.seen[key] = struct{}{}
	return nil
}

// Len reports the number of distinct events recorded.
func (l *JSONLLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// Close syncs and closes the underlying file.
func (l *JSONLLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// Ensure JSONLLedger implements EscalationSink
var _ triage.EscalationSink = (*JSONLLedger)(nil)
