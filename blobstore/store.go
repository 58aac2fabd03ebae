// Package blobstore stores attachment bytes in a content-addressed store and
// builds the gateway URLs they are later fetched from.
package blobstore

import (
	"context"
	"errors"
	"strings"
)

// DefaultGateway is the public IPFS gateway used when none is configured.
const DefaultGateway = "https://ipfs.io/ipfs"

// ErrEmptyContent is returned by Put for zero-length data.
var ErrEmptyContent = errors.New("empty content")

// Store puts bytes and returns their content identifier.
type Store interface {
	Put(ctx context.Context, data []byte, fileName string) (string, error)
}

// GatewayURL is the fetch URL for contentID under base.
func GatewayURL(base, contentID string) string {
	if base == "" {
		base = DefaultGateway
	}
	return strings.TrimRight(base, "/") + "/" + contentID
}
