package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/problems"
)

// ValidationErrors is a list of validation errors.
type ValidationErrors []ValidationError

// Error implements error.
func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Load reads a run configuration. The format follows the extension: .yaml,
// .yml, .json, .cue or .star; a directory is loaded as a CUE package.
func Load(ctx context.Context, path string) (*RunConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, engine.NewConfigurationError("cannot read run configuration", err)
	}

	parser := NewCUEParser()
	var parsed *ParsedConfig

	switch ext := strings.ToLower(filepath.Ext(path)); {
	case info.IsDir() || ext == ".cue":
		parsed, err = parser.Parse(ctx, []string{path})
	case ext == ".json":
		var raw []byte
		if raw, err = os.ReadFile(path); err == nil {
			parsed = parser.ParseJSON(ctx, path, raw)
		}
	case ext == ".star":
		parsed, err = parser.ParseStarlark(ctx, path)
	case ext == ".yaml" || ext == ".yml":
		var run *RunConfig
		if run, err = LoadYAML(path); err != nil {
			return nil, err
		}
		if err := parser.Schemas().ValidateRun(ctx, run); err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("%s does not match the run schema", path), err)
		}
		return run, nil
	default:
		return nil, engine.NewConfigurationError(fmt.Sprintf("unknown configuration format %q", ext), nil)
	}
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("cannot load %s", path), err)
	}
	if len(parsed.Errors) > 0 {
		verrs := ValidationErrors(parsed.Errors)
		return nil, engine.NewConfigurationError(verrs.Error(), verrs)
	}
	return parsed.Run, nil
}

// DecodeJSON validates a JSON run configuration, typically one a launcher
// handed to a worker, against the run schema.
func DecodeJSON(ctx context.Context, source string, raw []byte) (*RunConfig, error) {
	parsed := NewCUEParser().ParseJSON(ctx, source, raw)
	if len(parsed.Errors) > 0 {
		verrs := ValidationErrors(parsed.Errors)
		return nil, engine.NewConfigurationError(verrs.Error(), verrs)
	}
	return parsed.Run, nil
}

// LoadYAML reads a YAML run configuration. Unknown keys are errors; omitted
// fields take the defaults of DefaultRunConfig.
func LoadYAML(path string) (*RunConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, engine.NewConfigurationError("cannot read run configuration", err)
	}
	defer f.Close()
	return DecodeYAML(f, path)
}

// DecodeYAML decodes a YAML run configuration from r; source names it in
// errors.
func DecodeYAML(r io.Reader, source string) (*RunConfig, error) {
	run := DefaultRunConfig()
	run.Name = ""
	run.Problem = problems.Spec{}
	run.Levels = nil

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(run); err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("cannot decode %s", source), err)
	}

	run.ApplyDefaults()
	if err := run.Validate(); err != nil {
		return nil, err
	}
	return run, nil
}

// WriteYAML writes run as YAML.
func WriteYAML(w io.Writer, run *RunConfig) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(run); err != nil {
		return fmt.Errorf("encode run configuration: %w", err)
	}
	return enc.Close()
}
