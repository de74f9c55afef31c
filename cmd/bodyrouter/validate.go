// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"fmt"
	"io"

	"sigs.k8s.io/yaml"

	"github.com/envoyproxy/body-router/internal/filterconfig"
)

// validate prints the effective configuration of the file, with the defaults filled in.
func validate(c cmdValidate, stdout io.Writer) error {
	cfg, err := filterconfig.LoadFile(c.Path)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = stdout.Write(out)
	return err
}
