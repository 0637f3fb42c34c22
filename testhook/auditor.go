// Copyright 2021 Molecula Corp. All rights reserved.
package testhook

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// Auditor represents a thing which knows how to audit events. For instance,
// it can check on when things are opened, and whether opened objects are
// later closed.
type Auditor interface {
	// Opened records that an object now exists and holds resources.
	Opened(o interface{}) error
	// Closed records that an object released its resources.
	Closed(o interface{}) error
	// FinalCheck performs any error-checking that makes sense only
	// after all operations are supposed to be complete, such as
	// verifying that opened objects have been closed.
	FinalCheck() (error, []error)
}

// NopAuditor doesn't do anything.
type NopAuditor struct{}

func (*NopAuditor) Opened(interface{}) error {
	return nil
}

func (*NopAuditor) Closed(interface{}) error {
	return nil
}

func (*NopAuditor) FinalCheck() (error, []error) {
	return nil, nil
}

func NewNopAuditor() *NopAuditor {
	return &NopAuditor{}
}

type liveEntry struct {
	stamp time.Time
	stack []byte
}

// VerifyCloseAuditor tracks opened objects and will report, in FinalCheck,
// any which were never closed.
type VerifyCloseAuditor struct {
	live  map[interface{}]liveEntry
	regMu sync.Mutex
}

func NewVerifyCloseAuditor() *VerifyCloseAuditor {
	return &VerifyCloseAuditor{live: map[interface{}]liveEntry{}}
}

func (v *VerifyCloseAuditor) Opened(o interface{}) error {
	v.regMu.Lock()
	defer v.regMu.Unlock()
	if prev, ok := v.live[o]; ok {
		return fmt.Errorf("object %p opened twice, previously at %v", o, prev.stamp)
	}
	v.live[o] = liveEntry{stamp: time.Now(), stack: debug.Stack()}
	return nil
}

func (v *VerifyCloseAuditor) Closed(o interface{}) error {
	v.regMu.Lock()
	defer v.regMu.Unlock()
	if _, ok := v.live[o]; !ok {
		return fmt.Errorf("object %p closed but never opened", o)
	}
	delete(v.live, o)
	return nil
}

func (v *VerifyCloseAuditor) FinalCheck() (error, []error) {
	v.regMu.Lock()
	defer v.regMu.Unlock()
	var errs []error
	for o, entry := range v.live {
		errs = append(errs, fmt.Errorf("live item found at %p, created at %v, stack %s",
			o, entry.stamp, entry.stack))
	}
	if len(errs) > 0 {
		return fmt.Errorf("final check: %d error(s)", len(errs)), errs
	}
	return nil, nil
}
