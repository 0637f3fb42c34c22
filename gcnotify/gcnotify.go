// Copyright 2021 Molecula Corp. All rights reserved.

// Package gcnotify provides a garbage collection notifier built on
// gcnotifier. It is kept out of the root package so callers that don't want
// the finalizer machinery don't pull it in.
package gcnotify

import (
	"github.com/CAFxX/gcnotifier"

	"github.com/featurebasedb/dbtx"
)

// Ensure activeGCNotifier implements interface.
var _ dbtx.GCNotifier = &activeGCNotifier{}

type activeGCNotifier struct {
	gcn *gcnotifier.GCNotifier
}

// NewActiveGCNotifier creates an active GCNotifier.
func NewActiveGCNotifier() *activeGCNotifier {
	return &activeGCNotifier{
		gcn: gcnotifier.New(),
	}
}

// Close implements the GCNotifier interface.
func (n *activeGCNotifier) Close() {
	n.gcn.Close()
}

// AfterGC implements the GCNotifier interface.
func (n *activeGCNotifier) AfterGC() <-chan struct{} {
	return n.gcn.AfterGC()
}
