// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianPulse/services/pulse/alerting"
	"github.com/AleutianAI/AleutianPulse/services/pulse/sla"
	"github.com/AleutianAI/AleutianPulse/services/pulse/tracer"
)

var (
	_ tracer.RecordStore  = (*RecordStore)(nil)
	_ alerting.AlertStore = (*RecordStore)(nil)
	_ sla.ReportStore     = (*RecordStore)(nil)
)

// Key layout. Time components are zero-padded decimal nanoseconds so
// lexicographic order equals chronological order:
//
//	trace:<end-nanos>:<trace-id>   -> tracer.TraceRecord (JSON)
//	traceidx:<trace-id>            -> current trace:* key
//	alert:<fired-nanos>:<alert-id> -> alerting.Alert (JSON)
//	slareport:<nanos>              -> sla.Report (JSON)
//
// The traceidx pointer makes lookups by ID O(1) and lets a re-saved
// trace replace its previous record instead of duplicating it.
const (
	tracePrefix    = "trace:"
	traceIdxPrefix = "traceidx:"
	alertPrefix    = "alert:"
	reportPrefix   = "slareport:"
)

// RecordStore persists traces, alerts and compliance reports.
//
// It satisfies tracer.RecordStore, alerting.AlertStore and
// sla.ReportStore so one embedded database backs all three.
//
// # Thread Safety
//
// Safe for concurrent use.
type RecordStore struct {
	db     *DB
	logger *slog.Logger
}

// NewRecordStore wraps an open database.
func NewRecordStore(db *DB, logger *slog.Logger) *RecordStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordStore{
		db:     db,
		logger: logger.With(slog.String("component", "record_store")),
	}
}

func timeKey(prefix string, ts time.Time, suffix string) []byte {
	if suffix == "" {
		return fmt.Appendf(nil, "%s%020d", prefix, ts.UnixNano())
	}
	return fmt.Appendf(nil, "%s%020d:%s", prefix, ts.UnixNano(), suffix)
}

// keyTime extracts the timestamp component from a time-prefixed key.
func keyTime(prefix string, key []byte) (int64, bool) {
	if len(key) < len(prefix)+20 {
		return 0, false
	}
	ns, err := strconv.ParseInt(string(key[len(prefix):len(prefix)+20]), 10, 64)
	if err != nil {
		return 0, false
	}
	return ns, true
}

// SaveTrace persists a finished trace.
//
// A trace can arrive in chunks: the recorder force-flushes when a
// trace hits its span ceiling, then flushes again when the remaining
// spans finish. Re-saves merge spans with the stored record and
// replace it under a fresh time key.
func (s *RecordStore) SaveTrace(rec tracer.TraceRecord) error {
	idxKey := []byte(traceIdxPrefix + rec.TraceID)

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(idxKey)
		switch {
		case err == nil:
			var oldKey []byte
			if oldKey, err = item.ValueCopy(nil); err != nil {
				return fmt.Errorf("read trace index %s: %w", rec.TraceID, err)
			}
			old, err := txn.Get(oldKey)
			if err == nil {
				var prev tracer.TraceRecord
				if err := old.Value(func(val []byte) error {
					return json.Unmarshal(val, &prev)
				}); err != nil {
					return fmt.Errorf("decode stored trace %s: %w", rec.TraceID, err)
				}
				rec = tracer.BuildTraceRecord(rec.TraceID, append(prev.Spans, rec.Spans...))
			}
			if err := txn.Delete(oldKey); err != nil {
				return fmt.Errorf("replace trace %s: %w", rec.TraceID, err)
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return fmt.Errorf("read trace index %s: %w", rec.TraceID, err)
		}

		endTime := rec.EndTime
		if endTime.IsZero() {
			endTime = time.Now()
		}
		key := timeKey(tracePrefix, endTime, rec.TraceID)

		val, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode trace %s: %w", rec.TraceID, err)
		}
		if err := txn.Set(key, val); err != nil {
			return fmt.Errorf("write trace %s: %w", rec.TraceID, err)
		}
		if err := txn.Set(idxKey, key); err != nil {
			return fmt.Errorf("write trace index %s: %w", rec.TraceID, err)
		}
		return nil
	})
}

// GetTrace looks up a trace by ID. The second return is false when no
// record exists.
func (s *RecordStore) GetTrace(traceID string) (tracer.TraceRecord, bool, error) {
	var rec tracer.TraceRecord
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(traceIdxPrefix + traceID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return fmt.Errorf("read trace index %s: %w", traceID, err)
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("read trace index %s: %w", traceID, err)
		}
		data, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			// Pointer without record: treat as missing.
			return nil
		} else if err != nil {
			return fmt.Errorf("read trace %s: %w", traceID, err)
		}
		if err := data.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return fmt.Errorf("decode trace %s: %w", traceID, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return tracer.TraceRecord{}, false, err
	}
	return rec, found, nil
}

// SearchTraces scans stored traces newest-first and returns up to
// limit records matching the query.
func (s *RecordStore) SearchTraces(q tracer.Query, limit int) ([]tracer.TraceRecord, error) {
	if limit <= 0 {
		limit = tracer.DefaultSearchLimit
	}

	var out []tracer.TraceRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(tracePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the prefix range so the reverse iterator lands
		// on the newest trace key.
		seek := append([]byte(tracePrefix), 0xff)
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			var rec tracer.TraceRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				s.logger.Warn("skipping undecodable trace record",
					"key", string(it.Item().Key()),
					"error", err,
				)
				continue
			}
			if q.Matches(rec) {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeTracesBefore deletes traces that ended before the cutoff,
// including their index pointers, and returns the number removed.
func (s *RecordStore) PurgeTracesBefore(cutoff time.Time) (int, error) {
	var keys [][]byte
	var ids []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(tracePrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		cutoffNanos := cutoff.UnixNano()
		for it.Seek([]byte(tracePrefix)); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			ns, ok := keyTime(tracePrefix, key)
			if !ok || ns >= cutoffNanos {
				// Keys are time-ordered, everything after is newer.
				break
			}
			keys = append(keys, key)
			ids = append(ids, string(key[len(tracePrefix)+21:]))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for i, key := range keys {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("delete trace %s: %w", ids[i], err)
			}
			if err := txn.Delete([]byte(traceIdxPrefix + ids[i])); err != nil {
				return fmt.Errorf("delete trace index %s: %w", ids[i], err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// SaveAlert persists an alert snapshot.
//
// The key derives from the alert's ID and firing timestamp, so
// persisting the resolved snapshot of the same alert replaces the
// firing one.
func (s *RecordStore) SaveAlert(alert alerting.Alert) error {
	ts := alert.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	key := timeKey(alertPrefix, ts, alert.ID)

	val, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", alert.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// RecentAlerts returns up to limit stored alerts, newest first.
func (s *RecordStore) RecentAlerts(limit int) ([]alerting.Alert, error) {
	if limit <= 0 {
		limit = tracer.DefaultSearchLimit
	}

	var out []alerting.Alert
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(alertPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(alertPrefix), 0xff)
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			var a alerting.Alert
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &a)
			}); err != nil {
				s.logger.Warn("skipping undecodable alert record",
					"key", string(it.Item().Key()),
					"error", err,
				)
				continue
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeAlertsBefore deletes alerts fired before the cutoff and
// returns the number removed.
func (s *RecordStore) PurgeAlertsBefore(cutoff time.Time) (int, error) {
	return s.purgeTimePrefixed(alertPrefix, cutoff)
}

// SaveReport persists an SLA compliance report.
func (s *RecordStore) SaveReport(r sla.Report) error {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	key := timeKey(reportPrefix, ts, "")

	val, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode compliance report: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// RecentReports returns up to limit compliance reports, newest first.
func (s *RecordStore) RecentReports(limit int) ([]sla.Report, error) {
	if limit <= 0 {
		limit = 1
	}

	var out []sla.Report
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(reportPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(reportPrefix), 0xff)
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			var r sla.Report
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				s.logger.Warn("skipping undecodable report record",
					"key", string(it.Item().Key()),
					"error", err,
				)
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeReportsBefore deletes compliance reports older than the cutoff
// and returns the number removed.
func (s *RecordStore) PurgeReportsBefore(cutoff time.Time) (int, error) {
	return s.purgeTimePrefixed(reportPrefix, cutoff)
}

// purgeTimePrefixed deletes all keys under prefix whose embedded
// timestamp precedes the cutoff.
func (s *RecordStore) purgeTimePrefixed(prefix string, cutoff time.Time) (int, error) {
	var keys [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		cutoffNanos := cutoff.UnixNano()
		for it.Seek([]byte(prefix)); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			ns, ok := keyTime(prefix, key)
			if !ok || ns >= cutoffNanos {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("delete %s: %w", string(key), err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
