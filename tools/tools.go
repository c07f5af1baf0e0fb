//go:build tools

// Package tools pins the lint and format binaries used by CI for the order engine. Install them with
// `go install -modfile=tools/go.mod <path>` so they never leak into the service's own go.mod.
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "golang.org/x/vuln/cmd/govulncheck"
	_ "honnef.co/go/tools/cmd/staticcheck"
	_ "mvdan.cc/gofumpt"
)
