package gdwhisper

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/goccy/go-yaml"
)

// YAMLConfigLoader is a kong configuration loader for YAML files. Keys are
// flag names, with either hyphens or underscores:
//
//	input_folder_id: 1AbC...
//	output-folder-id: 1XyZ...
//	ledger_type: file
func YAMLConfigLoader(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml config: %w", err)
	}
	return kong.ResolverFunc(func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		if v, ok := values[flag.Name]; ok {
			return configValue(v), nil
		}
		if v, ok := values[strings.ReplaceAll(flag.Name, "-", "_")]; ok {
			return configValue(v), nil
		}
		return nil, nil
	}), nil
}

// configValue renders YAML scalars as flag text and flattens lists into the
// comma separated form kong parses for slice flags.
func configValue(v any) any {
	list, ok := v.([]any)
	if !ok {
		return fmt.Sprint(v)
	}
	strs := make([]string, 0, len(list))
	for _, e := range list {
		strs = append(strs, fmt.Sprint(e))
	}
	return strings.Join(strs, ",")
}
