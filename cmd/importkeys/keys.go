package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"crypto-payment-watcher-go/internal/store"
)

type keyEntry struct {
	Key         string `json:"key"`
	ProductCode string `json:"product_code"`
	Days        int    `json:"days"`
}

type importStats struct {
	added      int
	duplicates int
	invalid    int
}

// parseKeys reads a txt file (one key per line, # comments) or a JSON array of key objects
// or plain strings. Entries without a product or days take the defaults.
func parseKeys(data []byte, format string, productCode string, days int) ([]keyEntry, error) {
	var entries []keyEntry
	switch format {
	case "txt":
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			entries = append(entries, keyEntry{Key: line})
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read keys: %w", err)
		}

	case "json":
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("keys file must be a JSON array: %w", err)
		}
		for i, item := range raw {
			var plain string
			if err := json.Unmarshal(item, &plain); err == nil {
				entries = append(entries, keyEntry{Key: plain})
				continue
			}
			var entry keyEntry
			if err := json.Unmarshal(item, &entry); err != nil {
				return nil, fmt.Errorf("invalid key entry %d: %w", i, err)
			}
			entries = append(entries, entry)
		}

	default:
		return nil, fmt.Errorf("unsupported format %q (use txt or json)", format)
	}

	for i := range entries {
		entries[i].Key = strings.TrimSpace(entries[i].Key)
		if entries[i].ProductCode == "" {
			entries[i].ProductCode = productCode
		}
		if entries[i].Days == 0 {
			entries[i].Days = days
		}
	}
	return entries, nil
}

// addKeys adds entries to the available pool, skipping keys already present in either pool
func addKeys(l *store.Ledger, entries []keyEntry, now time.Time) (importStats, error) {
	var stats importStats
	for _, e := range entries {
		if e.Key == "" || e.ProductCode == "" || e.Days <= 0 {
			stats.invalid++
			continue
		}
		err := l.AddKey(e.Key, e.ProductCode, e.Days, now)
		if errors.Is(err, store.ErrDuplicateKey) {
			stats.duplicates++
			continue
		}
		if err != nil {
			return stats, err
		}
		stats.added++
	}
	return stats, nil
}
