// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend holds the provider registry and the fallback chain
// that every model call goes through.
//
// A [Descriptor] names one remote backend (protocol, endpoint,
// credential, aliases, fallbacks) and is validated before use. The
// [Registry] turns descriptors into live [Backend] handles with a
// constructed provider each, resolves model references to concrete
// (backend, model) pairs, and supports atomic full replacement for
// configuration reload. [Chain.Complete] executes a call against the
// resolved pair and walks the backend's own fallback list and then the
// global one until an attempt succeeds, returning the ordered attempt
// record either way.
//
// Subagent and debate calls do not go through the chain; they resolve
// a backend here and apply their own single-retry policy.
package backend
