/*
   hkpstore - OpenPGP key store and refresh engine
   Copyright (C) 2024  hkpstore contributors

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published by
   the Free Software Foundation, version 3.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package hlog is the append-only log writer and iterator. Entries are
// plain rows with no hash chain or signature, so edits made directly to
// the database file are not detected. Every write also emits a structured
// logrus record so an operator tailing stderr sees the same events
// that land in the database.
package hlog

import (
	"github.com/sirupsen/logrus"

	"hkpstore/internal/metrics"
	"hkpstore/internal/storage"
	"hkpstore/internal/timeid"
)

// Writer appends entries to the database log and mirrors them to logrus.
type Writer struct {
	db  *storage.DB
	log *logrus.Entry
}

// New builds a Writer over db, logging through log.
func New(db *storage.DB, log *logrus.Entry) *Writer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Writer{db: db, log: log}
}

// Refs names the store/binding/key a log entry concerns; any may be nil.
type Refs struct {
	Store   *timeid.ID
	Binding *timeid.ID
	Key     *timeid.ID
}

// Info appends an informational log entry.
func (w *Writer) Info(refs Refs, slug, message string) (timeid.ID, error) {
	return w.write(refs, storage.LevelInfo, slug, message, nil)
}

// Error appends an error log entry, recording cause's message.
func (w *Writer) Error(refs Refs, slug, message string, cause error) (timeid.ID, error) {
	var errText *string
	if cause != nil {
		s := cause.Error()
		errText = &s
	}
	return w.write(refs, storage.LevelError, slug, message, errText)
}

func (w *Writer) write(refs Refs, level storage.Level, slug, message string, errText *string) (timeid.ID, error) {
	now := timeid.Now()
	id, err := w.db.AppendLog(storage.LogEntry{
		Timestamp: now,
		Level:     level,
		Store:     refs.Store,
		Binding:   refs.Binding,
		Key:       refs.Key,
		Slug:      slug,
		Message:   message,
		Error:     errText,
	})
	if err != nil {
		return id, err
	}

	entry := w.log.WithFields(logrus.Fields{"slug": slug})
	if refs.Store != nil {
		entry = entry.WithField("store", *refs.Store)
	}
	if refs.Binding != nil {
		entry = entry.WithField("binding", *refs.Binding)
	}
	if refs.Key != nil {
		entry = entry.WithField("key", *refs.Key)
	}
	metrics.LogEntries.WithLabelValues(string(level)).Inc()
	if level == storage.LevelError {
		if errText != nil {
			entry = entry.WithField("error", *errText)
		}
		entry.Error(message)
	} else {
		entry.Info(message)
	}
	return id, nil
}

// Iterate returns up to limit entries matching selector with id
// strictly greater than after, ordered by id ascending. The selector
// and after together form the cursor; the iterator holds no live
// database handle of its own.
func (w *Writer) Iterate(selector storage.Selector, after timeid.ID, limit int) ([]storage.LogEntry, error) {
	return w.db.IterLog(selector, after, limit)
}

// StoreSlug renders a store's human label as "realm:name".
func StoreSlug(realm, name string) string {
	return realm + ":" + name
}
