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
package database

import (
	"errors"

	"github.com/lib/pq"
)

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name()
	}
	return ""
}

// IsUniqueViolation reports a unique index violation.
func IsUniqueViolation(err error) bool {
	return pqCode(err) == "unique_violation"
}

// IsUndefinedSchema reports errors raised by a store that lacks a column or
// table, i.e. one that is not fully migrated.
func IsUndefinedSchema(err error) bool {
	switch pqCode(err) {
	case "undefined_column", "undefined_table":
		return true
	}
	return false
}
