// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program imageio-client is a thin CLI wrapper around
// imageioclientpkg's Upload/Download/Checksum, showing a progress bar
// on stderr when run from a terminal (spec §4.6, SPEC_FULL supplement
// 6).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	iclientpkg "github.com/ovirt/imageiod/imageioclientpkg"
)

const usage = `usage:
  imageio-client upload [-workers N] [-insecure] LOCAL_PATH TICKET_URL
  imageio-client download [-workers N] [-insecure] [-format FMT] TICKET_URL LOCAL_PATH
  imageio-client checksum LOCAL_PATH
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	verb := os.Args[1]
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	workers := fs.Int("workers", 0, "concurrent transfer workers (0 lets the server decide)")
	insecure := fs.Bool("insecure", false, "skip TLS certificate verification")
	format := fs.String("format", "", "destination image format for download (default: inferred from extension)")

	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}
	args := fs.Args()

	iclientpkg.Init()

	opts := iclientpkg.TransferOptions{Workers: *workers, InsecureTLS: *insecure, Format: *format}
	observer := newTerminalObserver()

	var err error
	switch verb {
	case "upload":
		if len(args) != 2 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		err = iclientpkg.Upload(context.Background(), args[0], args[1], opts, observer)
	case "download":
		if len(args) != 2 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		err = iclientpkg.Download(context.Background(), args[0], args[1], opts, observer)
	case "checksum":
		if len(args) != 1 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		var sum string
		sum, err = iclientpkg.Checksum(context.Background(), args[0])
		if err == nil {
			fmt.Println(sum)
		}
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	observer.finish()

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", verb, err)
		os.Exit(1)
	}
}
