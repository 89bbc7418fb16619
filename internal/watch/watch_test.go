// SPDX-License-Identifier: MIT

package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForBuilds(t *testing.T, counter *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if counter.Load() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected at least %d builds, got %d", want, counter.Load())
}

func TestWatcherBuildsOnStartup(t *testing.T) {
	manifest := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(manifest, []byte("{}"), 0644))

	var builds atomic.Int32
	w := New(func(context.Context) error {
		builds.Add(1)
		return nil
	}, manifest).WithDebounce(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitForBuilds(t, &builds, 1)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestWatcherRebuildsOnChange(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(manifest, []byte("v1"), 0644))

	var builds atomic.Int32
	w := New(func(context.Context) error {
		builds.Add(1)
		return nil
	}, manifest).WithDebounce(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	waitForBuilds(t, &builds, 1)

	require.NoError(t, os.WriteFile(manifest, []byte("v2"), 0644))
	waitForBuilds(t, &builds, 2)
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(manifest, []byte("v1"), 0644))

	var builds atomic.Int32
	w := New(func(context.Context) error {
		builds.Add(1)
		return nil
	}, manifest).WithDebounce(100 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	waitForBuilds(t, &builds, 1)

	// A burst of writes inside the debounce window collapses to one rebuild.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(manifest, []byte{byte('a' + i)}, 0644))
		time.Sleep(10 * time.Millisecond)
	}
	waitForBuilds(t, &builds, 2)
	time.Sleep(250 * time.Millisecond)
	require.LessOrEqual(t, builds.Load(), int32(3), "burst must not trigger a build per write")
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(manifest, []byte("v1"), 0644))

	var builds atomic.Int32
	w := New(func(context.Context) error {
		builds.Add(1)
		return nil
	}, manifest).WithDebounce(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	waitForBuilds(t, &builds, 1)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("noise"), 0644))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), builds.Load(), "unrelated files must not trigger rebuilds")
}

func TestWatcherKeepsRunningAfterFailedBuild(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(manifest, []byte("v1"), 0644))

	var builds atomic.Int32
	w := New(func(context.Context) error {
		builds.Add(1)
		return os.ErrInvalid
	}, manifest).WithDebounce(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	waitForBuilds(t, &builds, 1)

	require.NoError(t, os.WriteFile(manifest, []byte("v2"), 0644))
	waitForBuilds(t, &builds, 2)
}
