/*
	Copyright Nettrack Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package websrv

import (
	"strings"

	"github.com/pkg/errors"
)

// RenameMap collects field renames performed during summarization. The caller supplies it and may
// inspect it after the pass.
type RenameMap map[string]string

// SummarizeFunc selects/renames a subset of fields of a served object per a request-supplied field
// spec. The structured-data model is external to this core; embedding applications install their own
// implementation via Server.SetSummarizer. It runs only when the request carries a field spec.
type SummarizeFunc func(obj interface{}, fields []string, renames RenameMap) (interface{}, error)

// passthroughSummarize is the default when no summarizer is installed: objects are served unmodified.
func passthroughSummarize(obj interface{}, _ []string, _ RenameMap) (interface{}, error) {
	return obj, nil
}

// parseFieldSpec parses the comma-separated field-selection spec carried by the `fields` query
// parameter or POST variable. Empty spec means no selection; an empty element is malformed.
func parseFieldSpec(spec string) ([]string, error) {
	if spec == "" {
		return nil, nil
	}

	parts := strings.Split(spec, ",")
	fields := make([]string, 0, len(parts))
	for _, part := range parts {
		field := strings.TrimSpace(part)
		if field == "" {
			return nil, errors.Errorf("malformed field spec [%s]", spec)
		}
		fields = append(fields, field)
	}
	return fields, nil
}
