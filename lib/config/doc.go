// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the aide
// daemon.
//
// Configuration is loaded from a single file specified by either the
// AIDE_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. This ensures deterministic, auditable
// configuration with no hidden overrides.
//
// The backends section is an ordered mapping: the first backend in
// the file is the default backend, serving unprefixed and empty model
// references. Credentials are referenced per backend as a literal
// value (api_key, normally a ${VAR} expansion), a file (api_key_file),
// or an age-encrypted file plus identity (api_key_sealed + identity);
// [Config.Descriptors] resolves whichever source is configured into
// locked memory.
//
// Variable expansion with ${VAR} and ${VAR:-default} patterns is
// performed after loading on credentials, URLs, and path fields. No
// other environment variables override config values.
package config
