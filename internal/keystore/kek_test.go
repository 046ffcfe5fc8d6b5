// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package keystore

import (
	"bytes"
	"errors"
	"testing"
)

func TestKEKFromEnv(t *testing.T) {
	t.Setenv("RUNMASTER_TEST_KEK", "env-secret")
	src := NewKEKSource("RUNMASTER_TEST_KEK")
	src.promptFn = func() ([]byte, error) {
		t.Fatal("prompt must not run when the environment variable is set")
		return nil, nil
	}

	got, err := src.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got.Bytes(), []byte("env-secret")) {
		t.Errorf("got %q, want env-secret", got.Bytes())
	}

	// Later environment changes must not affect the cached value.
	t.Setenv("RUNMASTER_TEST_KEK", "changed")
	again, err := src.Get()
	if err != nil {
		t.Fatalf("Get (cached): %v", err)
	}
	if !bytes.Equal(again.Bytes(), []byte("env-secret")) {
		t.Errorf("cache not honored: got %q", again.Bytes())
	}
}

func TestKEKPromptFallback(t *testing.T) {
	t.Setenv("RUNMASTER_TEST_KEK", "")
	calls := 0
	src := NewKEKSource("RUNMASTER_TEST_KEK")
	src.promptFn = func() ([]byte, error) {
		calls++
		return []byte("prompted"), nil
	}

	first, err := src.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(first.Bytes(), []byte("prompted")) {
		t.Errorf("got %q, want prompted", first.Bytes())
	}
	if _, err := src.Get(); err != nil {
		t.Fatalf("Get (cached): %v", err)
	}
	if calls != 1 {
		t.Errorf("prompt ran %d times, want 1", calls)
	}
}

func TestKEKEmptyPassphraseRejected(t *testing.T) {
	t.Setenv("RUNMASTER_TEST_KEK", "")
	src := NewKEKSource("RUNMASTER_TEST_KEK")
	src.promptFn = func() ([]byte, error) { return nil, nil }

	if _, err := src.Get(); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}

func TestKEKPromptErrorPropagates(t *testing.T) {
	src := NewKEKSource("")
	want := errors.New("terminal gone")
	src.promptFn = func() ([]byte, error) { return nil, want }

	if _, err := src.Get(); !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
}

func TestKEKGetReturnsCopy(t *testing.T) {
	src := NewKEKSource("")
	src.Set([]byte("stable"))

	first, err := src.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	first[0] ^= 0xff

	second, err := src.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(second.Bytes(), []byte("stable")) {
		t.Error("mutating one caller's copy leaked into the cache")
	}
}

func TestKEKSetCopiesInput(t *testing.T) {
	src := NewKEKSource("")
	buf := []byte("original")
	src.Set(buf)
	buf[0] = 'X'

	got, err := src.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got.Bytes(), []byte("original")) {
		t.Error("Set did not copy its input")
	}
}

func TestKEKClearForcesReresolve(t *testing.T) {
	calls := 0
	src := NewKEKSource("")
	src.promptFn = func() ([]byte, error) {
		calls++
		return []byte("prompted"), nil
	}

	if _, err := src.Get(); err != nil {
		t.Fatalf("Get: %v", err)
	}
	src.Clear()
	if _, err := src.Get(); err != nil {
		t.Fatalf("Get after Clear: %v", err)
	}
	if calls != 2 {
		t.Errorf("prompt ran %d times, want 2", calls)
	}
}
