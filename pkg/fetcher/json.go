package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/ledger"
)

// JSONParser reads values.json, a flat JSON object an algorithm may write
// into its unit directory.
type JSONParser struct {
	file string
}

// NewJSONParser creates a parser for values.json.
func NewJSONParser() *JSONParser {
	return &JSONParser{file: engine.ValuesFile}
}

// Name returns "json".
func (p *JSONParser) Name() string { return "json" }

// Parse decodes the values file. A missing file is not an error: most
// planners only print to stdout.
func (p *JSONParser) Parse(_ context.Context, dir string) (ledger.Attributes, error) {
	data, err := os.ReadFile(filepath.Join(dir, p.file))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, engine.NewParseError("failed to read "+p.file, err)
	}
	return decodeAttributes(p.file, data)
}

// decodeAttributes converts a JSON object into attributes. Values of
// unsupported types are skipped and reported.
func decodeAttributes(source string, data []byte) (ledger.Attributes, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, engine.NewParseError("invalid JSON in "+source, err)
	}

	attrs := make(ledger.Attributes, len(raw))
	var skipped []string
	for k, v := range raw {
		if list, ok := v.([]interface{}); ok {
			v = numbersToFloats(list)
		}
		val, err := ledger.FromInterface(v)
		if err != nil {
			skipped = append(skipped, k)
			continue
		}
		attrs[k] = val
	}
	if len(skipped) > 0 {
		sort.Strings(skipped)
		return attrs, engine.NewParseError(fmt.Sprintf("%s: unsupported values for %v", source, skipped), nil)
	}
	return attrs, nil
}

// numbersToFloats converts json.Number list elements so FromInterface accepts them.
func numbersToFloats(list []interface{}) []interface{} {
	out := make([]interface{}, len(list))
	for i, e := range list {
		if n, ok := e.(json.Number); ok {
			if f, err := n.Float64(); err == nil {
				out[i] = f
				continue
			}
		}
		out[i] = e
	}
	return out
}
