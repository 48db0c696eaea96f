// Package viewer implements the DICOM-specific collaborators of the
// caching subsystem: the factories producing series descriptors,
// per-instance spatial information and decoded pixel payloads, plus the
// prefetch policy driving the background workers.
package viewer

// Cache bundles of the Web viewer.
const (
	BundleDecodedImage        = 1
	BundleInstanceInformation = 2
	BundleSeriesInformation   = 3
)

// Property keys tracking the software versions that populated the
// cache. A change in either triggers a full clear on startup.
const (
	PropertyOrthancVersion   = "OrthancVersion"
	PropertyWebViewerVersion = "WebViewerVersion"
)
