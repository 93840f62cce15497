package iclientpkg

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ovirt/imageiod/apierr"
)

// capabilities mirrors imagesHandler's OPTIONS response body (spec
// §4.4.1); the client's Backend abstraction reports conservative fixed
// advisories for a proxy, so upload/download planning asks the origin
// directly instead.
type capabilities struct {
	Features   []string `json:"features"`
	UnixSocket string   `json:"unix_socket,omitempty"`
	MaxReaders uint32   `json:"max_readers,omitempty"`
	MaxWriters uint32   `json:"max_writers,omitempty"`
}

// probeCapabilities issues OPTIONS against ticketURL (spec §4.6 step
// 3: "OPTIONS the server to learn max_writers, features, and
// unix_socket").
func probeCapabilities(ctx context.Context, ticketURL string, insecureTLS bool) (capabilities, error) {
	client := &http.Client{}
	if insecureTLS {
		client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, ticketURL, nil)
	if err != nil {
		return capabilities{}, apierr.Wrap(apierr.KindInternal, err, "building OPTIONS request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return capabilities{}, apierr.Wrap(apierr.KindInternal, err, "OPTIONS request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return capabilities{}, apierr.Internal(fmt.Sprintf("OPTIONS %s returned %s", ticketURL, resp.Status))
	}

	var caps capabilities
	if err := json.NewDecoder(resp.Body).Decode(&caps); err != nil {
		return capabilities{}, apierr.Wrap(apierr.KindInternal, err, "decoding OPTIONS response")
	}
	return caps, nil
}

// concurrencyCap implements spec §4.6's "min(user_requested,
// server_max_writers or max_readers, 8)".
func concurrencyCap(userRequested int, serverAdvertised uint32) int {
	n := 8
	if userRequested > 0 && userRequested < n {
		n = userRequested
	}
	if serverAdvertised > 0 && int(serverAdvertised) < n {
		n = int(serverAdvertised)
	}
	if n < 1 {
		n = 1
	}
	return n
}
