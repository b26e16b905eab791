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

// Package env resolves flag defaults from environment variables.
package env

import (
	"os"
	"strconv"
)

// WithDefaultString returns the value of the environment variable, or def
// when unset or empty.
func WithDefaultString(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}

// WithDefaultInt returns the integer value of the environment variable, or
// def when unset or unparsable.
func WithDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}

	return def
}
