package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v2"
)

var outputFormat string

// printStructured writes v as json or yaml. It reports false for the
// table format, which callers render themselves.
func printStructured(w io.Writer, v any) (bool, error) {
	switch outputFormat {
	case "", "table":
		return false, nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		// Go through JSON so keys follow the json tags.
		data, err := json.Marshal(v)
		if err != nil {
			return true, err
		}
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return true, err
		}
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return true, enc.Encode(doc)
	}
	return true, fmt.Errorf("unknown output format %q (want table, json or yaml)", outputFormat)
}
