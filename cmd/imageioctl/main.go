// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program imageioctl is the control-plane CLI of spec §6: add-ticket,
// show-ticket, mod-ticket, del-ticket, and the supplemented
// list-tickets verb.
//
// The program's first argument is a path to the same package config
// file passed to imageiod, from which it reads the [IMAGEIOD] control
// listener address. The remaining arguments are the verb and its own
// arguments.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/ovirt/imageiod/conf"
	"github.com/ovirt/imageiod/imageiodpkg"
)

const usage = `usage:
  imageioctl CONF_FILE add-ticket FILE
  imageioctl CONF_FILE show-ticket ID
  imageioctl CONF_FILE mod-ticket ID TIMEOUT
  imageioctl CONF_FILE del-ticket ID
  imageioctl CONF_FILE list-tickets
`

func main() {
	if len(os.Args) < 3 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	confMap, err := conf.MakeConfMapFromFile(os.Args[1])
	if nil != err {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	cfg, err := imageiodpkg.LoadConfig(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "imageiodpkg.LoadConfig(confMap) failed: %v\n", err)
		os.Exit(1)
	}

	client, baseURL := controlClient(cfg)

	verb := os.Args[2]
	args := os.Args[3:]

	var runErr error
	switch verb {
	case "add-ticket":
		if len(args) != 1 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		runErr = addTicket(client, baseURL, args[0])
	case "show-ticket":
		if len(args) != 1 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		runErr = showTicket(client, baseURL, args[0])
	case "mod-ticket":
		if len(args) != 2 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		timeout, parseErr := strconv.ParseUint(args[1], 10, 64)
		if parseErr != nil {
			fmt.Fprintf(os.Stderr, "TIMEOUT must be a non-negative integer: %v\n", parseErr)
			os.Exit(2)
		}
		runErr = modTicket(client, baseURL, args[0], timeout)
	case "del-ticket":
		if len(args) != 1 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		runErr = delTicket(client, baseURL, args[0])
	case "list-tickets":
		if len(args) != 0 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		runErr = listTickets(client, baseURL)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", verb, runErr)
		os.Exit(1)
	}
}

// controlClient builds an http.Client that reaches the control
// listener imageiod bound (Unix socket preferred, else TCP loopback,
// per spec §6), and the fixed base URL to issue requests against.
func controlClient(cfg imageiodpkg.Config) (*http.Client, string) {
	if cfg.ControlUnixSocket != "" {
		socketPath := cfg.ControlUnixSocket
		transport := &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		}
		return &http.Client{Transport: transport}, "http://control"
	}
	addr := net.JoinHostPort(cfg.ControlTCPAddr, fmt.Sprintf("%d", cfg.ControlTCPPort))
	return &http.Client{}, "http://" + addr
}

func addTicket(client *http.Client, baseURL, path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var probe struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return fmt.Errorf("%s is not valid JSON: %w", path, err)
	}
	if probe.UUID == "" {
		return fmt.Errorf("%s has no \"uuid\" field", path)
	}

	req, err := http.NewRequest(http.MethodPut, ticketURL(baseURL, probe.UUID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	return doRequest(client, req, nil)
}

func showTicket(client *http.Client, baseURL, id string) error {
	req, err := http.NewRequest(http.MethodGet, ticketURL(baseURL, id), nil)
	if err != nil {
		return err
	}
	return doRequest(client, req, os.Stdout)
}

func modTicket(client *http.Client, baseURL, id string, timeout uint64) error {
	body, err := json.Marshal(struct {
		Timeout uint64 `json:"timeout"`
	}{Timeout: timeout})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPatch, ticketURL(baseURL, id), bytes.NewReader(body))
	if err != nil {
		return err
	}
	return doRequest(client, req, nil)
}

func delTicket(client *http.Client, baseURL, id string) error {
	req, err := http.NewRequest(http.MethodDelete, ticketURL(baseURL, id), nil)
	if err != nil {
		return err
	}
	return doRequest(client, req, nil)
}

func listTickets(client *http.Client, baseURL string) error {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/tickets/", nil)
	if err != nil {
		return err
	}
	return doRequest(client, req, os.Stdout)
}

func ticketURL(baseURL, id string) string {
	return baseURL + "/tickets/" + url.PathEscape(id)
}

// doRequest issues req and, on a non-2xx response, returns the body as
// the error text. When w is non-nil, a successful response body is
// copied to it.
func doRequest(client *http.Client, req *http.Request, w io.Writer) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s", string(body))
	}
	if w != nil && len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}
	return nil
}
