// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package runlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements SETNX and the release script over a map.
type fakeRedis struct {
	mu   sync.Mutex
	kv   map[string]string
	fail error
}

func newFakeRedis() *fakeRedis { return &fakeRedis{kv: make(map[string]string)} }

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return redis.NewBoolResult(false, f.fail)
	}
	if _, ok := f.kv[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.kv[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kv[keys[0]] == args[0].(string) {
		delete(f.kv, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()

	l, err := Acquire(ctx, rdb, "sepasync:run", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, l.Token())

	_, err = Acquire(ctx, rdb, "sepasync:run", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, l.Release(ctx))
	l2, err := Acquire(ctx, rdb, "sepasync:run", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, l.Token(), l2.Token())
}

func TestReleaseDoesNotStealNewOwner(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()

	l, err := Acquire(ctx, rdb, "k", time.Minute)
	require.NoError(t, err)
	// Simulate expiry and a new owner.
	rdb.kv["k"] = "someone-else"

	require.NoError(t, l.Release(ctx))
	assert.Equal(t, "someone-else", rdb.kv["k"])
}

func TestAcquireError(t *testing.T) {
	rdb := newFakeRedis()
	rdb.fail = errors.New("connection refused")
	_, err := Acquire(context.Background(), rdb, "k", time.Minute)
	assert.ErrorContains(t, err, "connection refused")

	var nilLock *Lock
	assert.NoError(t, nilLock.Release(context.Background()))
}
