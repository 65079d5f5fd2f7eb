// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package license

import "errors"

var (
	// ErrMalformed indicates the key does not have the five dash-separated
	// segments of the flow license format.
	ErrMalformed = errors.New("license: malformed key")

	// ErrBadChecksum indicates the key's trailing checksum does not match
	// its body. Usually a typo in the pasted key.
	ErrBadChecksum = errors.New("license: checksum mismatch")

	// ErrUnknownTier indicates the tier segment is not a recognized tier
	// code.
	ErrUnknownTier = errors.New("license: unknown tier")

	// ErrBadExpiry indicates the expiry segment is not a valid YYYYMMDD
	// date.
	ErrBadExpiry = errors.New("license: invalid expiry date")

	// ErrInsecureMemory indicates the mlock limit is too low to hold the
	// key in locked memory and the insecure-memory override is not set.
	ErrInsecureMemory = errors.New("license: insufficient mlock limit for secure key storage")

	// ErrDestroyed indicates the license's key material has already been
	// wiped.
	ErrDestroyed = errors.New("license: key material destroyed")

	// ErrNoKey indicates an operation that needs key material was called
	// on a keyless (community) license.
	ErrNoKey = errors.New("license: no key material")
)
