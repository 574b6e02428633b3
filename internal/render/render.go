/*
Copyright 2024 Blnk Finance Authors.

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
// Package render substitutes variables into template bodies.
//
// Placeholders are written {{name}} (surrounding spaces allowed) or {name}.
// A placeholder with no matching variable is left in the output untouched so
// a missing variable is visible in the message rather than silently blank.
package render

import (
	"regexp"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}|\{([A-Za-z0-9_.\-]+)\}`)

// Render returns body with every known placeholder replaced.
func Render(body string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(body, func(match string) string {
		groups := placeholder.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[2]
		}
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

// Merge layers variable maps, later maps overriding earlier ones.
func Merge(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// Missing lists placeholders in body that vars does not provide.
func Missing(body string, vars map[string]string) []string {
	var missing []string
	seen := map[string]bool{}
	for _, groups := range placeholder.FindAllStringSubmatch(body, -1) {
		name := groups[1]
		if name == "" {
			name = groups[2]
		}
		if _, ok := vars[name]; ok || seen[name] {
			continue
		}
		seen[name] = true
		missing = append(missing, name)
	}
	return missing
}
