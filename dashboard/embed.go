// Package dashboard provides the embedded web UI for the simrunner status
// server.
//
// This package uses Go's embed directive to include the page at compile
// time, so the status server needs no external asset files.
//
// The embedded page is served by the server package at the root path ("/").
// It reads /api/items and /api/outcomes and follows /api/events.
package dashboard

import "embed"

// Assets is an embedded filesystem containing the dashboard web UI.
//
// The filesystem structure is:
//
//	assets/
//	  index.html    - Status page with inline CSS and JavaScript
//
//go:embed assets/*
var Assets embed.FS
