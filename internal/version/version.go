// ABOUTME: Version constants for the soundmesh node
// ABOUTME: Reported in peer descriptors and device info
package version

const (
	// Version is the release version of this build.
	Version = "0.4.0"

	// Product is the product name reported to peers.
	Product = "Soundmesh Node"

	// Manufacturer identifies the project.
	Manufacturer = "Soundmesh Protocol"
)
