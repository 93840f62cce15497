package iclientpkg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ovirt/imageiod/apierr"
)

// imageInfo is the subset of `qemu-img info --output=json` this
// package needs (spec §4.6 step 1: "Probe local image via qemu-img
// info to learn format and virtual size").
type imageInfo struct {
	Format      string `json:"format"`
	VirtualSize uint64 `json:"virtual-size"`
}

// probeImage shells out to qemu-img, the external collaborator whose
// CLI the specification treats as part of the interface contract, not
// something this package reimplements.
func probeImage(ctx context.Context, path string) (imageInfo, error) {
	cmd := exec.CommandContext(ctx, globals.config.QemuImgPath, "info", "--output=json", path)
	out, err := cmd.Output()
	if err != nil {
		return imageInfo{}, apierr.Wrap(apierr.KindInternal, err, fmt.Sprintf("qemu-img info %s failed", path))
	}
	var info imageInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return imageInfo{}, apierr.Wrap(apierr.KindInternal, err, "qemu-img info: decoding JSON output")
	}
	return info, nil
}

// createImage shells out to `qemu-img create` for the download path,
// where the destination file must exist (and, for qcow2, carry a
// header) before qemu-nbd can export it for writing.
func createImage(ctx context.Context, path, format string, virtualSize uint64) error {
	cmd := exec.CommandContext(ctx, globals.config.QemuImgPath, "create", "-f", format, path, fmt.Sprintf("%d", virtualSize))
	if out, err := cmd.CombinedOutput(); err != nil {
		return apierr.Wrap(apierr.KindInternal, fmt.Errorf("%s: %w", out, err), fmt.Sprintf("qemu-img create %s failed", path))
	}
	return nil
}

// nbdExport is a running qemu-nbd subprocess exporting one local image
// over a Unix domain socket, per spec §4.6 ("Start a local qemu-nbd
// exporting the local image") and §9 ("converting formats on the fly
// via a locally spawned NBD server").
type nbdExport struct {
	cmd        *exec.Cmd
	SocketPath string
	ExportName string
}

const nbdExportName = "img"

// startNBDExport launches qemu-nbd against path in the given format,
// read-only or read-write, and waits for its socket to appear before
// returning.
func startNBDExport(ctx context.Context, path, format string, readOnly bool) (*nbdExport, error) {
	socketPath := filepath.Join(os.TempDir(), fmt.Sprintf("imageio-client-nbd-%d.sock", time.Now().UnixNano()))
	_ = os.Remove(socketPath)

	args := []string{
		"--socket=" + socketPath,
		"--format=" + format,
		"--export-name=" + nbdExportName,
		"--persistent",
		"--shared=8",
	}
	if readOnly {
		args = append(args, "--read-only")
	}
	args = append(args, path)

	cmd := exec.CommandContext(ctx, globals.config.QemuNBDPath, args...)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "starting qemu-nbd")
	}

	if err := waitForSocket(ctx, socketPath, 5*time.Second); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	return &nbdExport{cmd: cmd, SocketPath: socketPath, ExportName: nbdExportName}, nil
}

func waitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return apierr.Canceled("waiting for qemu-nbd socket canceled")
		case <-time.After(20 * time.Millisecond):
		}
	}
	return apierr.Internal(fmt.Sprintf("qemu-nbd did not create socket %s within %s", path, timeout))
}

// URL returns the nbd:unix: ticket-style URL backend.Open expects
// (backend/nbdbackend's own scheme, spec §6 URL schemes).
func (e *nbdExport) URL() string {
	return fmt.Sprintf("nbd:unix:%s:exportname=%s", e.SocketPath, e.ExportName)
}

// Stop terminates the qemu-nbd subprocess and removes its socket.
func (e *nbdExport) Stop() {
	if e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
		_ = e.cmd.Wait()
	}
	_ = os.Remove(e.SocketPath)
}
