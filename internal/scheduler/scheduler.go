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

// Package scheduler runs the background refresh loop: a single
// cooperative goroutine (gopkg.in/tomb.v2) that repeatedly picks the
// most stale eligible key, fetches a fresh TPK for it from the
// keyserver network, and merges the result back in, sleeping a
// jittered interval between iterations.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmcvetta/randutil"
	"gopkg.in/tomb.v2"

	"hkpstore/internal/errs"
	"hkpstore/internal/fpr"
	"hkpstore/internal/hlog"
	"hkpstore/internal/keyserver"
	"hkpstore/internal/metrics"
	"hkpstore/internal/policy"
	"hkpstore/internal/storage"
	"hkpstore/internal/store"
	"hkpstore/internal/timeid"
)

// Scheduler drives the refresh loop over one store.Server's database.
type Scheduler struct {
	t tomb.Tomb

	db     *storage.DB
	srv    *store.Server
	client keyserver.Client
	log    *hlog.Writer

	minSleep        time.Duration
	refreshInterval time.Duration
}

// New builds a Scheduler. minSleep floors the per-iteration sleep and
// applies when no key is currently eligible; refreshInterval is the
// target per-key refresh period, divided across however many keys are
// presently eligible for refresh.
func New(srv *store.Server, client keyserver.Client, log *hlog.Writer, minSleep, refreshInterval time.Duration) *Scheduler {
	return &Scheduler{
		db:              srv.DB(),
		srv:             srv,
		client:          client,
		log:             log,
		minSleep:        minSleep,
		refreshInterval: refreshInterval,
	}
}

// Start launches the refresh loop in the background.
func (s *Scheduler) Start() {
	s.t.Go(s.loop)
}

// Stop requests the loop exit and blocks until it has, returning the
// first error it encountered, if any.
func (s *Scheduler) Stop() error {
	s.t.Kill(nil)
	return s.t.Wait()
}

// Dying returns a channel closed once Stop has been called.
func (s *Scheduler) Dying() <-chan struct{} {
	return s.t.Dying()
}

func (s *Scheduler) loop() error {
	for {
		select {
		case <-s.t.Dying():
			return nil
		default:
		}

		sleep, err := s.iterate()
		if err != nil {
			return err
		}

		timer := time.NewTimer(sleep)
		select {
		case <-s.t.Dying():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// iterate runs one refresh step and returns how long the loop should
// sleep before the next one: pick a candidate, compute the per-key
// interval, skip the fetch entirely if the candidate isn't due yet,
// otherwise fetch and merge.
func (s *Scheduler) iterate() (time.Duration, error) {
	candidate, err := s.db.PickRefreshCandidate(policy.RefreshCeiling)
	if err != nil {
		return 0, err
	}
	if !candidate.Key.ID.Valid() {
		return s.jitteredSleep(s.minSleep), nil
	}

	next := s.refreshInterval / time.Duration(candidate.EligibleKeys)
	if next < s.minSleep {
		next = s.minSleep
	}

	now := timeid.Now()
	if candidate.Key.UpdateAt.Sub(now) > 0 {
		wait := candidate.Key.UpdateAt.Sub(now)
		if wait < s.minSleep {
			wait = s.minSleep
		}
		return s.jitteredSleep(wait), nil
	}

	attempt := uuid.New().String()
	keyID := candidate.Key.ID
	logFields := hlog.Refs{Key: &keyID}

	ctx := s.t.Context(context.Background())
	tpk, err := s.fetch(ctx, candidate.Key)
	if err != nil {
		s.log.Error(logFields, candidate.Key.Fingerprint, fmt.Sprintf("refresh attempt %s: fetch failed", attempt), err)
		metrics.RefreshError.Inc()
		if updateErr := s.db.UpdateKeyRefresh(keyID, nil, timeid.Now().Add(next/2)); updateErr != nil {
			return 0, updateErr
		}
		return s.jitteredSleep(next), nil
	}

	if _, err := s.srv.MergeTPK(candidate.Key, tpk); err != nil {
		s.log.Error(logFields, candidate.Key.Fingerprint, fmt.Sprintf("refresh attempt %s: merge failed", attempt), err)
		metrics.RefreshError.Inc()
		if updateErr := s.db.UpdateKeyRefresh(keyID, nil, timeid.Now().Add(next/2)); updateErr != nil {
			return 0, updateErr
		}
		return s.jitteredSleep(next), nil
	}

	refreshed := timeid.Now()
	if err := s.db.UpdateKeyRefresh(keyID, &refreshed, refreshed.Add(next)); err != nil {
		return 0, err
	}
	s.log.Info(logFields, candidate.Key.Fingerprint, fmt.Sprintf("refresh attempt %s: succeeded", attempt))
	metrics.RefreshSuccess.Inc()
	return s.jitteredSleep(next), nil
}

func (s *Scheduler) fetch(ctx context.Context, key storage.Key) ([]byte, error) {
	parsed, err := fpr.ParseFingerprint(key.Fingerprint)
	if err != nil {
		return nil, errs.New(errs.MalformedFingerprint, err)
	}
	return s.client.Fetch(ctx, parsed.KeyID())
}

// jitteredSleep draws a uniform sample in [0, 2d), floored at
// minSleep so a very small base never busy-loops the scheduler. The
// jitter spreads a fleet of installs and avoids lock-step retries.
func (s *Scheduler) jitteredSleep(base time.Duration) time.Duration {
	d := s.sleepFor(base)
	metrics.RefreshSleepSeconds.Observe(d.Seconds())
	return d
}

func (s *Scheduler) sleepFor(base time.Duration) time.Duration {
	if base <= 0 {
		return s.minSleep
	}
	n, err := randutil.IntRange(0, int(2*base))
	if err != nil {
		n = int(base)
	}
	d := time.Duration(n)
	if d < s.minSleep {
		d = s.minSleep
	}
	return d
}
