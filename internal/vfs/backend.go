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

package vfs

// Container is one resolved node inside a backend. Reads go to the backend
// each time, so a container held by an open descriptor observes later writes.
type Container interface {
	ID() int
	Kind() Kind
	Stat() (*Stat, error)
	Data() (string, error)
	// SetData replaces the contents, or appends when appendMode is set
	SetData(data string, appendMode bool) error
	Children() (map[string]int, error)
}

// Backend is the minimum a filesystem must provide to be mounted.
// Segment lists are local to the backend's mount point; the root is
// the one-element sentinel list. Resolve follows symlinks inside the
// backend only. The router walks with ResolveHard and follows targets
// itself, since a target may name another mount.
type Backend interface {
	Name() string
	Resolve(segs []string) (Container, error)
	ResolveHard(segs []string) (Container, error)
}

// Mutable backends support namespace changes. Parent paths are local.
type Mutable interface {
	Backend
	CreateFile(parent, name string) (Container, error)
	CreateDirectory(parent, name string) (Container, error)
	AddLink(parent, name string, target int) error
	AddSymlink(parent, name, target string) error
	Remove(parent, name string) error
	SetPerms(id int, p Perms) error
}

// Reclaimer backends can free unreachable inodes.
// pinned holds ids that must survive even when unreachable.
type Reclaimer interface {
	Reclaim(pinned map[int]bool) int
}
