// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/alecthomas/kong"

	"github.com/envoyproxy/body-router/internal/version"
)

type (
	cmd struct {
		Version  struct{}    `cmd:"" help:"Show version."`
		Validate cmdValidate `cmd:"" help:"Validate a filter configuration file and print the effective configuration as YAML."`
		Decide   cmdDecide   `cmd:"" help:"Replay a request body through the body based routing filter and print the routing decision as YAML."`
	}
	cmdValidate struct {
		Path string `arg:"" name:"path" help:"Path to the filter configuration file." type:"existingfile"`
	}
	cmdDecide struct {
		Config      string `help:"Path to the filter configuration file. Defaults apply when empty." type:"existingfile"`
		ChunkSize   int    `help:"Size of the body chunks. Zero sends the body in one chunk." default:"0"`
		Body        string `help:"Request body." xor:"body"`
		BodyFile    string `help:"Path to a file holding the request body." type:"existingfile" xor:"body"`
		ContentType string `help:"Content type of the request." default:"application/json"`
		RequestID   string `help:"x-request-id of the request. A random id is used when empty." name:"request-id"`
		Verbose     bool   `help:"Print every stage line to stderr, not only the routing decision." short:"v"`
	}
)

func main() {
	if err := doMain(os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func doMain(stdout, stderr io.Writer, args []string) error {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("bodyrouter"),
		kong.Description("Offline tooling for the body router Envoy filters"),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		return fmt.Errorf("error creating parser: %w", err)
	}
	ctx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	switch ctx.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "Body Router CLI: %s\n", version.Version)
		return nil
	case "validate <path>":
		return validate(c.Validate, stdout)
	case "decide":
		return decide(c.Decide, stdout, stderr)
	default:
		panic("unreachable")
	}
}
