// Package jseval provides a zero-browser JavaScript evaluator for recovering
// booking descriptors from inline page scripts.
//
// The booking pages normally embed their session descriptor as static JSON,
// but after front-end deploys the descriptor has been observed moving into
// inline scripts that build it at runtime.  This package evaluates those
// scripts in-process using the otto pure-Go JavaScript interpreter, requiring
// no headless browser or external process, and then probes the resulting
// global scope for an object shaped like a booking descriptor.
//
// Architecture:
//   - Evaluator wraps an otto.Otto VM.  Each instance is protected by a
//     sync.Mutex so a single VM may be shared across goroutines, but the
//     token extractor creates one per page parse, matching the page's own
//     single-threaded execution model.
//   - The VM is seeded with a minimal browser-like global (window, document,
//     navigator.userAgent, a jQuery no-op stub) so typical page scripts run
//     without ReferenceError.
//   - Scripts run under a watchdog: pages are untrusted input and a while(1)
//     must not wedge a booking deadline.
package jseval

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robertkrimen/otto"
)

// ErrHalted is returned when a script exceeds the evaluation watchdog.
var ErrHalted = errors.New("jseval: script evaluation timed out")

// DefaultTimeout bounds a single script evaluation.
const DefaultTimeout = 2 * time.Second

// Evaluator executes page JavaScript in a browser-stub environment.
// It is safe for concurrent use: a mutex serialises access to the shared VM.
type Evaluator struct {
	vm *otto.Otto
	mu sync.Mutex
}

// NewEvaluator creates an Evaluator with a browser-stub environment
// pre-loaded.  The stub defines window, document, navigator.userAgent and a
// do-nothing jQuery so that typical inline scripts run without
// ReferenceError.
//
// Pass userAgent as the User-Agent string to expose to the JS environment so
// scripts that branch on it see the same identity the HTTP layer presents.
func NewEvaluator(userAgent string) (*Evaluator, error) {
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (compatible; GoBookingEngine/1.0)"
	}
	vm := otto.New()

	// Seed minimal browser globals so page scripts do not throw on missing
	// references.  The jQuery stub swallows the ready/on/ajax calls the
	// booking pages sprinkle around their descriptor assignments.
	bootstrap := fmt.Sprintf(`
var window = this;
var document = {
	cookie: "",
	getElementById: function() { return null; },
	querySelector: function() { return null; },
	addEventListener: function() {}
};
var navigator = { userAgent: %q };
var $ = function() {
	return {
		ready: function() {}, on: function() {}, html: function() {},
		text: function() { return ""; }, val: function() { return ""; },
		attr: function() { return ""; }, data: function() { return null; }
	};
};
$.ajax = function() {};
var jQuery = $;
`, userAgent)

	if _, err := vm.Run(bootstrap); err != nil {
		return nil, fmt.Errorf("jseval: bootstrap JS globals: %w", err)
	}
	return &Evaluator{vm: vm}, nil
}

// Eval executes the given JavaScript snippet and returns the string
// representation of the value produced by the last expression.
//
// The method acquires the VM mutex for the duration of the call, so
// concurrent Eval invocations are serialised on the same Evaluator.
func (e *Evaluator) Eval(script string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	val, err := e.runWithTimeout(script, DefaultTimeout)
	if err != nil {
		return "", fmt.Errorf("jseval: eval: %w", err)
	}
	result, err := val.ToString()
	if err != nil {
		return "", fmt.Errorf("jseval: convert result to string: %w", err)
	}
	return result, nil
}

// descriptorProbe scans every global for something that looks like a booking
// descriptor: either an object with a string "secret" field, or a container
// whose "booking" member is such an object.  It returns the descriptor as a
// JSON string, or "" when nothing matches.
const descriptorProbe = `
(function() {
	function looks(v) {
		return v && typeof v === "object" && typeof v.secret === "string" && v.secret.length > 0;
	}
	var names = Object.keys(window);
	for (var i = 0; i < names.length; i++) {
		var v;
		try { v = window[names[i]]; } catch (e) { continue; }
		if (!v || typeof v !== "object") { continue; }
		if (looks(v.booking)) { return JSON.stringify(v.booking); }
		if (looks(v)) { return JSON.stringify(v); }
	}
	return "";
})()
`

// RecoverDescriptor runs an inline page script and probes the global scope
// for the booking descriptor it built.  Runtime errors in the script itself
// are tolerated: assignments executed before the throw survive in the VM, and
// pages routinely crash on DOM APIs the stub does not model.  The returned
// string is the descriptor serialised as JSON; it is empty only on error.
func (e *Evaluator) RecoverDescriptor(script string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.runWithTimeout(script, DefaultTimeout); err != nil {
		if errors.Is(err, ErrHalted) {
			return "", err
		}
		// Partial execution is fine; the probe below decides.
	}

	val, err := e.runWithTimeout(descriptorProbe, DefaultTimeout)
	if err != nil {
		return "", fmt.Errorf("jseval: probe globals: %w", err)
	}
	out, err := val.ToString()
	if err != nil {
		return "", fmt.Errorf("jseval: convert probe result: %w", err)
	}
	if out == "" {
		return "", errors.New("jseval: no descriptor-shaped global after evaluation")
	}
	return out, nil
}

// runWithTimeout executes script with the otto interrupt watchdog armed.
// Callers must hold e.mu.
func (e *Evaluator) runWithTimeout(script string, timeout time.Duration) (val otto.Value, err error) {
	e.vm.Interrupt = make(chan func(), 1)
	timer := time.AfterFunc(timeout, func() {
		e.vm.Interrupt <- func() { panic(ErrHalted) }
	})
	defer timer.Stop()
	defer func() {
		if r := recover(); r != nil {
			if r == ErrHalted {
				err = ErrHalted
				return
			}
			panic(r)
		}
	}()
	return e.vm.Run(script)
}
