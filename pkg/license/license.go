// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package license parses and holds flow license keys.
//
// # Key Format
//
// A flow license key is five dash-separated segments:
//
//	FLOW-<TIER>-<EXPIRY>-<ID>-<CHECK>
//
//   - TIER: "TEAM" or "ENT"
//   - EXPIRY: UTC date YYYYMMDD after which the key is expired
//   - ID: 8 characters [A-Z0-9], the license identity (safe to log)
//   - CHECK: first 8 uppercase hex characters of the SHA-256 of
//     everything before the final dash
//
// Example: FLOW-TEAM-20261231-7Q3KPX9D-1A2B3C4D (checksum illustrative).
//
// The engine runs without a key as the community edition; a key unlocks
// the commercial extension points. Expired keys degrade to community
// with a warning rather than refusing to start: a licensing hiccup must
// never take down a production scheduler.
//
// # Key Material Handling
//
// The raw key doubles as a bearer credential for support endpoints, so
// it is held in a memguard enclave (encrypted at rest in memory, backed
// by mlocked pages) instead of a plain Go string. On hosts whose
// RLIMIT_MEMLOCK is too low for memguard, the package refuses to hold
// the key unless FLOW_INSECURE_MEMORY=true acknowledges plain-memory
// storage.
//
// # Thread Safety
//
// License values are safe for concurrent use.
package license

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// EnvKey is the environment variable holding the license key.
	EnvKey = "FLOW_LICENSE_KEY"

	// EnvInsecureMemory acknowledges plain-memory key storage on hosts
	// without a usable mlock limit.
	EnvInsecureMemory = "FLOW_INSECURE_MEMORY"

	// MinMlockLimitKB is the minimum mlock limit required to hold key
	// material in locked pages. memguard rounds allocations up to whole
	// pages plus guard pages, so the requirement is well above the key's
	// own size.
	MinMlockLimitKB = 64

	// keyPrefix is the fixed first segment of every key.
	keyPrefix = "FLOW"

	// checksumLen is the hex length of the CHECK segment.
	checksumLen = 8

	// idLen is the length of the ID segment.
	idLen = 8
)

// Tier is the feature tier a license grants.
type Tier string

const (
	// TierCommunity is the no-key default.
	TierCommunity Tier = "community"

	// TierTeam is the paid tier for small deployments.
	TierTeam Tier = "team"

	// TierEnterprise is the paid tier with all extension points.
	TierEnterprise Tier = "enterprise"
)

// tierCodes maps the key segment to a Tier.
var tierCodes = map[string]Tier{
	"TEAM": TierTeam,
	"ENT":  TierEnterprise,
}

// =============================================================================
// Package Variables
// =============================================================================

var (
	// secureInitOnce ensures memguard initialization happens only once.
	secureInitOnce sync.Once

	// mlockSufficient is set during initialization to indicate if locked
	// memory is available for key storage.
	mlockSufficient bool

	// currentMlockLimitKB stores the probed mlock limit for logging.
	currentMlockLimitKB int64
)

// =============================================================================
// License
// =============================================================================

// License is a parsed license key. The identity fields (tier, id,
// expiry) are plain values; the raw key lives in an enclave and is only
// reachable through WithKey.
type License struct {
	tier      Tier
	id        string
	expiresAt time.Time

	mu        sync.Mutex
	enclave   *memguard.Enclave
	plain     []byte // only set in insecure-memory mode
	destroyed bool
}

// Community returns the keyless community license.
func Community() *License {
	return &License{tier: TierCommunity}
}

// FromEnv reads FLOW_LICENSE_KEY and parses it. An unset or empty
// variable yields the community license, not an error.
func FromEnv() (*License, error) {
	key := strings.TrimSpace(os.Getenv(EnvKey))
	if key == "" {
		return Community(), nil
	}
	return Parse(key)
}

// Parse validates a key's format and checksum and stores the key
// material securely.
//
// # Description
//
// Parse checks the five-segment structure, the tier code, the expiry
// date and the checksum, then moves the raw key into a memguard enclave
// (or plain memory when FLOW_INSECURE_MEMORY=true and the mlock limit
// is too low). Expiry is NOT checked here; see Expired.
//
// # Inputs
//
//   - key: the raw key string, surrounding whitespace already trimmed
//
// # Outputs
//
//   - *License: the parsed license, holding the key material
//   - error: ErrMalformed, ErrUnknownTier, ErrBadExpiry, ErrBadChecksum
//     or ErrInsecureMemory
func Parse(key string) (*License, error) {
	segments := strings.Split(key, "-")
	if len(segments) != 5 || segments[0] != keyPrefix {
		return nil, ErrMalformed
	}

	tierCode, expiryStr, id, check := segments[1], segments[2], segments[3], segments[4]

	tier, ok := tierCodes[tierCode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tierCode)
	}

	if len(id) != idLen || !isKeyChars(id) {
		return nil, fmt.Errorf("%w: bad id segment", ErrMalformed)
	}

	expiresAt, err := time.ParseInLocation("20060102", expiryStr, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadExpiry, expiryStr)
	}
	// Keys are valid through the stated day.
	expiresAt = expiresAt.Add(24 * time.Hour)

	body := strings.Join(segments[:4], "-")
	if checksum(body) != check {
		return nil, ErrBadChecksum
	}

	lic := &License{
		tier:      tier,
		id:        id,
		expiresAt: expiresAt,
	}
	if err := lic.storeKey([]byte(key)); err != nil {
		return nil, err
	}

	slog.Debug("Parsed license key",
		"license_id", id,
		"tier", tier,
		"expires_at", expiresAt.Format(time.RFC3339),
	)
	return lic, nil
}

// Tier returns the tier this license grants. Expired licenses still
// report their purchased tier; combine with Expired for entitlement
// decisions.
func (l *License) Tier() Tier {
	return l.tier
}

// ID returns the license identity, or "" for community. Safe to log.
func (l *License) ID() string {
	return l.id
}

// ExpiresAt returns the end of the key's validity, or the zero time for
// community licenses, which do not expire.
func (l *License) ExpiresAt() time.Time {
	return l.expiresAt
}

// Expired reports whether the key has lapsed at now. Community licenses
// never expire.
func (l *License) Expired(now time.Time) bool {
	if l.tier == TierCommunity {
		return false
	}
	return now.After(l.expiresAt)
}

// EffectiveTier returns the tier to enforce at now: the purchased tier
// while the key is current, community once it lapses.
func (l *License) EffectiveTier(now time.Time) Tier {
	if l.Expired(now) {
		return TierCommunity
	}
	return l.tier
}

// WithKey opens the key material and passes it to fn. The string handed
// to fn is an ordinary Go copy of the locked buffer, which is destroyed
// when fn returns; keep the copy's lifetime as short as the call.
//
// # Outputs
//
//   - error: ErrNoKey for community licenses, ErrDestroyed after
//     Destroy, an enclave error, or fn's own error
func (l *License) WithKey(fn func(key string) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.destroyed {
		return ErrDestroyed
	}

	if l.plain != nil {
		return fn(string(l.plain))
	}
	if l.enclave == nil {
		return ErrNoKey
	}

	buf, err := l.enclave.Open()
	if err != nil {
		return fmt.Errorf("license: open enclave: %w", err)
	}
	defer buf.Destroy()

	return fn(string(buf.Bytes()))
}

// Destroy wipes the key material. Identity fields stay readable.
// Idempotent.
func (l *License) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.destroyed {
		return
	}
	for i := range l.plain {
		l.plain[i] = 0
	}
	l.plain = nil
	l.enclave = nil
	l.destroyed = true
}

// storeKey moves raw key bytes into the enclave, or into plain memory
// when the host cannot mlock and the operator has opted in.
func (l *License) storeKey(raw []byte) error {
	initSecureMemory()

	if mlockSufficient {
		// NewEnclave wipes raw.
		l.enclave = memguard.NewEnclave(raw)
		return nil
	}

	if os.Getenv(EnvInsecureMemory) == "true" {
		slog.Warn("SECURITY: holding license key in plain memory - mlock limit insufficient",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"env_override", EnvInsecureMemory+"=true",
		)
		l.plain = raw
		return nil
	}

	return fmt.Errorf(
		"%w: have %d KB, need %d KB. Raise RLIMIT_MEMLOCK or set %s=true",
		ErrInsecureMemory, currentMlockLimitKB, MinMlockLimitKB, EnvInsecureMemory,
	)
}

// =============================================================================
// Secure Memory Initialization
// =============================================================================

// initSecureMemory initializes memguard and probes the mlock limit,
// once per process.
func initSecureMemory() {
	secureInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Debug("Secure key storage initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		} else {
			slog.Warn("mlock limit insufficient for secure key storage",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
				"help", "raise RLIMIT_MEMLOCK or set "+EnvInsecureMemory+"=true",
			)
		}
	})
}

// checkMlockLimit queries RLIMIT_MEMLOCK and compares it against the
// minimum required. Returns (sufficient, limit in KB; -1 if unlimited).
// An unreadable limit counts as sufficient so an exotic kernel degrades
// to a memguard failure, not a silent insecure fallback.
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

// IsMlockAvailable reports whether locked memory is available for key
// storage, and the probed limit in KB (-1 if unlimited).
func IsMlockAvailable() (bool, int64) {
	initSecureMemory()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeSecrets wipes all memguard-held material. Call during graceful
// shutdown; every enclave becomes unusable afterward.
func PurgeSecrets() {
	memguard.Purge()
}

// =============================================================================
// Key Format Helpers
// =============================================================================

// checksum returns the CHECK segment for a key body (the first four
// segments joined by dashes).
func checksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:checksumLen]
}

// isKeyChars reports whether s is entirely [A-Z0-9].
func isKeyChars(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// encodeKey assembles a key from its parts. Key minting lives in the
// vendor tooling; this exists for tests and for generating dev keys
// from a debugger.
func encodeKey(tierCode, expiry, id string) string {
	body := strings.Join([]string{keyPrefix, tierCode, expiry, id}, "-")
	return body + "-" + checksum(body)
}
