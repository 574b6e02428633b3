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

package provider

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// CanonicalPhone normalizes raw to E.164. Numbers written without an
// international prefix are read as national numbers of the region that owns
// countryCode. Numbers that do not exist in the numbering plan are rejected.
func CanonicalPhone(raw, countryCode string) (string, error) {
	region := phonenumbers.UNKNOWN_REGION
	if cc, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(countryCode), "+")); err == nil {
		region = phonenumbers.GetRegionCodeForCountryCode(cc)
	}

	num, err := phonenumbers.Parse(strings.TrimSpace(raw), region)
	if err != nil {
		return "", fmt.Errorf("phone number %q: %w", raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("phone number %q is not a valid number", raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
