// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secure keeps backend credentials out of ordinary Go memory.
//
// # Description
//
// Tokens are sealed into a memguard Enclave as soon as they are read and
// are only decrypted into a locked buffer for the duration of a callback.
// The plaintext never lives in a Go string after construction.
//
// # Thread Safety
//
// Token is safe for concurrent use.
package secure

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// MinMlockLimitKB is the mlock limit below which locked buffers may fail.
const MinMlockLimitKB = 512

// ErrEmptyToken is returned when sealing an empty secret.
var ErrEmptyToken = errors.New("secure: empty token")

var (
	initOnce        sync.Once
	mlockSufficient bool
	mlockLimitKB    int64
)

// Init installs memguard's interrupt handler and records the mlock limit.
// It is safe to call more than once.
func Init() {
	initOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, mlockLimitKB = checkMlockLimit()
		if !mlockSufficient {
			slog.Warn("mlock limit below recommended minimum, secrets may be swapped",
				"current_limit_kb", mlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		}
	})
}

// MlockAvailable reports whether the mlock limit is sufficient and the
// current limit in KB (-1 when unlimited).
func MlockAvailable() (bool, int64) {
	Init()
	return mlockSufficient, mlockLimitKB
}

func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// Purge wipes all memguard-managed memory. Call on shutdown.
func Purge() {
	memguard.Purge()
}

// Token is a sealed secret such as a bearer token.
type Token struct {
	enclave *memguard.Enclave
}

// NewToken seals value. The caller should drop its own copy.
func NewToken(value string) (*Token, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrEmptyToken
	}
	Init()
	return &Token{enclave: memguard.NewEnclave([]byte(value))}, nil
}

// TokenFromFile seals the trimmed contents of path, the layout used by
// container secret mounts such as /run/secrets/<name>.
func TokenFromFile(path string) (*Token, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret %s: %w", path, err)
	}
	defer memguard.WipeBytes(raw)
	return NewToken(string(raw))
}

// Use decrypts the token into a locked buffer and passes its bytes to fn.
// The buffer is destroyed when fn returns, so fn must not retain the slice.
func (t *Token) Use(fn func(secret []byte) error) error {
	if t == nil || t.enclave == nil {
		return ErrEmptyToken
	}
	buf, err := t.enclave.Open()
	if err != nil {
		return fmt.Errorf("open secret enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}
