// Package cfg decodes loosely typed option maps into typed structs.
package cfg

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
)

func newDecoder(c any, md *mapstructure.Metadata) (*mapstructure.Decoder, error) {
	return mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata:         md,
		Result:           c,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
}

// DecodeWithUnused decodes input to c and returns any unused keys (sorted).
// Input is weakly typed: JSON numbers and numeric strings decode into ints.
func DecodeWithUnused(input map[string]any, c any) ([]string, error) {
	var md mapstructure.Metadata
	decoder, err := newDecoder(c, &md)
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(input); err != nil {
		return nil, err
	}

	// Sort unused keys for deterministic output
	unused := md.Unused
	sort.Strings(unused)

	return unused, nil
}

// DecodeStrict decodes input to c and returns an error naming any unknown keys.
func DecodeStrict(input map[string]any, c any) error {
	unused, err := DecodeWithUnused(input, c)
	if err != nil {
		return err
	}
	if len(unused) > 0 {
		return fmt.Errorf("unknown keys: %s", strings.Join(unused, ", "))
	}
	return nil
}
