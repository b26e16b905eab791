/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package goproxmox

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrTransient marks failures worth retrying on the next reconcile tick:
	// network errors, 5xx responses, task lock contention, deadlines.
	ErrTransient = errors.New("transient proxmox error")
	// ErrPermanent marks failures that will not heal by retrying: invalid
	// requests, missing vmids where presence is required.
	ErrPermanent = errors.New("permanent proxmox error")
)

// IsTransient reports whether err should be retried next tick.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanent reports whether err advances the affected VM to failed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// classify wraps a raw go-proxmox error into the transient/permanent
// taxonomy. The REST client formats HTTP failures as "bad request: <code>"
// for 4xx; everything else (5xx, timeouts, broken connections, failed
// tasks) is worth retrying.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrTransient) || errors.Is(err, ErrPermanent) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Wrap(ErrTransient, err.Error())
	}

	msg := err.Error()

	for _, code := range []string{"400", "401", "403", "404", "422"} {
		if strings.Contains(msg, "bad request: "+code) || strings.Contains(msg, "not authorized: "+code) {
			return errors.Wrap(ErrPermanent, msg)
		}
	}

	return errors.Wrap(ErrTransient, msg)
}
