// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program imageiod is the host-resident image transfer daemon of
// spec §4.4/§4.5/§6: it loads a package config file, starts the three
// listeners (remote TLS, local Unix socket, control), and serves
// ticket-authorized image I/O until told to stop.
//
// Usage: imageiod CONF_FILE [section.option=value ...]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ovirt/imageiod/conf"
	"github.com/ovirt/imageiod/imageiodpkg"
	"github.com/ovirt/imageiod/ticketstore"

	// Every backend a ticket's url may name (spec §3 "URL schemes
	// accepted as ticket url") must register itself with the backend
	// package's opener table before the first PUT /tickets/{id}
	// arrives; each of these only does that from its own init().
	_ "github.com/ovirt/imageiod/backend/filebackend"
	_ "github.com/ovirt/imageiod/backend/httpbackend"
	_ "github.com/ovirt/imageiod/backend/nbdbackend"
)

// shutdownGrace bounds how long Stop waits for connections to drain
// on SIGTERM/SIGINT/SIGHUP before giving up.
const shutdownGrace = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		die("usage: imageiod CONF_FILE [section.option=value ...]")
	}

	confMap, err := conf.MakeConfMapFromFile(os.Args[1])
	if nil != err {
		die("loading %s: %v", os.Args[1], err)
	}
	if err := confMap.UpdateFromStrings(os.Args[2:]); nil != err {
		die("applying config overrides: %v", err)
	}

	cfg, err := imageiodpkg.LoadConfig(confMap)
	if nil != err {
		die("loading imageiod config: %v", err)
	}

	server, log, closeLog, err := imageiodpkg.New(cfg, ticketstore.New())
	if nil != err {
		die("constructing server: %v", err)
	}
	defer closeLog()

	if err := server.Start(); nil != err {
		die("starting listeners: %v", err)
	}
	log.Infof("imageiod started")

	sig := waitForSignal()
	log.Infof("received signal %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := server.Stop(ctx); nil != err {
		die("stopping server: %v", err)
	}
}

// waitForSignal blocks until the process receives an interrupt,
// termination, or hangup signal and returns which one it was. The
// channel is buffered so registering the handler can never race the
// blocking receive below it.
func waitForSignal() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	return <-sigCh
}

func die(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
