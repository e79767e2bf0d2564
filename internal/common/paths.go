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

package common

import "strings"

// RootSegment is the single segment that Segments returns for the root path.
// Mount matching and store walks both rely on root being a one-element list.
const RootSegment = "/"

// Clean normalizes a path: empty and "." segments are dropped, ".." pops the
// previous segment (never past root). The result always starts with "/".
func Clean(path string) string {
	stack := make([]string, 0, strings.Count(path, "/")+1)
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, seg)
		}
	}
	return "/" + strings.Join(stack, "/")
}

// Segments returns the cleaned path split into names.
// The root path yields []string{RootSegment}, never an empty slice.
func Segments(path string) []string {
	clean := Clean(path)
	if clean == "/" {
		return []string{RootSegment}
	}
	return strings.Split(clean[1:], "/")
}

// IsRoot reports whether segs is the root sentinel list.
func IsRoot(segs []string) bool {
	return len(segs) == 0 || (len(segs) == 1 && segs[0] == RootSegment)
}

// Depth returns the number of names in the cleaned path; root has depth 0.
func Depth(path string) int {
	segs := Segments(path)
	if IsRoot(segs) {
		return 0
	}
	return len(segs)
}

// Prefixes returns every ancestor of path from "/" up to and including the cleaned path.
func Prefixes(path string) []string {
	segs := Segments(path)
	out := []string{"/"}
	if IsRoot(segs) {
		return out
	}
	cur := ""
	for _, seg := range segs {
		cur += "/" + seg
		out = append(out, cur)
	}
	return out
}

// Name returns the last segment of the path, or "/" for the root.
func Name(path string) string {
	segs := Segments(path)
	return segs[len(segs)-1]
}

// Basename returns Name without its extensions. A leading dot is part of the basename.
func Basename(path string) string {
	name := Name(path)
	if name == RootSegment {
		return name
	}
	if i := strings.Index(name[1:], "."); i >= 0 {
		return name[:i+1]
	}
	return name
}

// Extensions returns the dot-separated suffixes after Basename, e.g. ["tar", "gz"].
func Extensions(path string) []string {
	name := Name(path)
	base := Basename(path)
	if len(base) >= len(name) {
		return nil
	}
	return strings.Split(name[len(base)+1:], ".")
}

// Parent returns the directory containing path. The parent of root is root.
func Parent(path string) string {
	clean := Clean(path)
	i := strings.LastIndex(clean, "/")
	if i <= 0 {
		return "/"
	}
	return clean[:i]
}

// Join joins path elements and cleans the result.
func Join(elem ...string) string {
	return Clean(strings.Join(elem, "/"))
}

// Abs resolves path against cwd unless it is already absolute.
func Abs(cwd, path string) string {
	if strings.HasPrefix(path, "/") {
		return Clean(path)
	}
	if cwd == "" {
		cwd = "/"
	}
	return Join(cwd, path)
}

// TrimPrefix removes the mount prefix from path and returns the local
// remainder, defaulting to "/" when nothing is left.
func TrimPrefix(path, prefix string) string {
	clean := Clean(path)
	prefix = Clean(prefix)
	if prefix == "/" {
		return clean
	}
	rest := strings.TrimPrefix(clean, prefix)
	if rest == "" {
		return "/"
	}
	return rest
}
