// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package version holds the build version. It is set at link time with
//
//	-ldflags "-X github.com/envoyproxy/body-router/internal/version.Version=v0.1.0"
package version

// Version is the version of the build.
var Version = "dev"
