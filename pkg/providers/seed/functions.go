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

package seed

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"text/template"

	goYaml "sigs.k8s.io/yaml/goyaml.v3"
)

var genericMap = map[string]interface{}{
	"toYaml":  toYaml,
	"indent":  indent,
	"nindent": nindent,
	"quote":   quote,
	"b64enc":  base64encode,

	"trim":  strings.TrimSpace,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

// ExecuteTemplate executes a template with the given data.
func ExecuteTemplate(tmpl string, data interface{}) (string, error) {
	t, err := template.New("seed").Funcs(genericFuncMap()).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func genericFuncMap() map[string]interface{} {
	gfm := make(map[string]interface{}, len(genericMap))
	for k, v := range genericMap {
		gfm[k] = v
	}

	return gfm
}

func toYaml(v interface{}) string {
	data, err := goYaml.Marshal(v)
	if err != nil {
		return ""
	}

	return strings.TrimSuffix(string(data), "\n")
}

func indent(spaces int, v string) string {
	pad := strings.Repeat(" ", spaces)

	return pad + strings.ReplaceAll(v, "\n", "\n"+pad)
}

func nindent(spaces int, v string) string {
	return "\n" + indent(spaces, v)
}

func quote(v interface{}) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%v", v))
}

func base64encode(v string) string {
	return base64.StdEncoding.EncodeToString([]byte(v))
}
