// Package version stamps the ovirt-imageiod build with a human-readable
// version string, mirroring the teacher's version package usage in
// http-server.go (version.ProxyFSVersion).
package version

// ImageioVersion is overridden at link time via:
//
//	go build -ldflags "-X github.com/ovirt/imageiod/version.ImageioVersion=1.2.3"
var ImageioVersion = "development"

// String returns the version string the server logs as each listener
// comes up.
func String() string {
	return ImageioVersion
}
