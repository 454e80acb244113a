// Package main is the VisionQuery CLI entry point.
//
// Usage:
//
//	visionquery server                       Start the HTTP API
//	visionquery search --user 1 red bicycle  Search a user's images
//	visionquery ingest --user 1 a.jpg b.png  Store and index image files
//	visionquery reconcile                    Re-index images missing from the vector index
//	visionquery status                       Show record, index and disk status
//	visionquery user add alice               Create a user
//	visionquery version                      Show version
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
