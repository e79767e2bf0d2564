// Copyright 2024 vkernel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides caches for the exports that sit outside the
// kernel loop (NFS).
//
// Invalidation is fine-grained: writers drop the paths they touched, and
// a short TTL bounds staleness for changes made through syscalls.
package cache

import "os"

// Disabled turns every cache into a pass-through.
// Set via VKERNEL_CACHE=0.
var Disabled = os.Getenv("VKERNEL_CACHE") == "0"

// Invalidator is implemented by all caches that support full invalidation.
type Invalidator interface {
	// Invalidate clears all entries from the cache.
	Invalidate()
}
