package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// CUEParser turns CUE, JSON and Starlark sources into run configurations.
// Every source is unified with the run schema, then decoded and checked
// with the struct validator.
type CUEParser struct {
	schemas  *SchemaRegistry
	starlark *StarlarkEvaluator
	validate *validator.Validate
}

func NewCUEParser() *CUEParser {
	return &CUEParser{
		schemas:  NewSchemaRegistry(),
		starlark: NewStarlarkEvaluator(30 * time.Second),
		validate: newValidator(),
	}
}

// Schemas returns the registry the parser checks against.
func (cp *CUEParser) Schemas() *SchemaRegistry {
	return cp.schemas
}

// Parse unifies the CUE files and package directories in sources. The run
// is the top-level "run" field if there is one and the whole value
// otherwise. Only unreadable sources are returned as errors; problems
// with their content end up in ParsedConfig.Errors.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var (
		merged cue.Value
		files  []string
		errs   []ValidationError
	)
	for _, src := range sources {
		info, err := os.Stat(src)
		if err != nil {
			return nil, err
		}
		var val cue.Value
		if info.IsDir() {
			var pkgFiles []string
			val, pkgFiles, err = cp.loadPackage(src)
			files = append(files, pkgFiles...)
		} else {
			val, err = cp.loadFile(src)
			files = append(files, src)
		}
		if err != nil {
			errs = append(errs, cueErrors(err, src)...)
			continue
		}
		if merged.Exists() {
			val = merged.Unify(val)
		}
		merged = val
	}

	if len(errs) == 0 {
		if err := merged.Err(); err != nil {
			errs = cueErrors(err, "")
		}
	}
	if len(errs) > 0 {
		return &ParsedConfig{SourceFiles: files, ParsedAt: time.Now(), Errors: errs}, nil
	}
	return cp.decode(merged, files), nil
}

// ParseInline parses CUE source text.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedConfig, error) {
	return cp.compile("inline", []byte(content)), nil
}

// ParseJSON checks a JSON run configuration against the run schema.
func (cp *CUEParser) ParseJSON(ctx context.Context, source string, raw []byte) *ParsedConfig {
	return cp.compile(source, raw)
}

// ParseStarlark runs a Starlark script that binds the run configuration
// to a dict named config.
func (cp *CUEParser) ParseStarlark(ctx context.Context, path string) (*ParsedConfig, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	scriptError := func(field, msg string) *ParsedConfig {
		return &ParsedConfig{
			SourceFiles: []string{path},
			ParsedAt:    time.Now(),
			Errors:      []ValidationError{{File: path, Path: field, Message: msg, Severity: "error"}},
		}
	}

	res, err := cp.starlark.Evaluate(ctx, filepath.Base(path), string(src), nil)
	if err != nil {
		return scriptError("", err.Error()), nil
	}
	cfg, ok := res.Output["config"]
	if !ok {
		return scriptError("config", "script does not define config"), nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cp.compile(path, raw), nil
}

// compile parses one source of CUE or JSON text and decodes the run.
func (cp *CUEParser) compile(name string, src []byte) *ParsedConfig {
	val := cp.schemas.Context().CompileBytes(src, cue.Filename(name))
	if err := val.Err(); err != nil {
		return &ParsedConfig{SourceFiles: []string{name}, ParsedAt: time.Now(), Errors: cueErrors(err, name)}
	}
	return cp.decode(val, []string{name})
}

func (cp *CUEParser) loadFile(path string) (cue.Value, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, err
	}
	val := cp.schemas.Context().CompileBytes(src, cue.Filename(path))
	return val, val.Err()
}

// loadPackage builds the CUE package in dir.
func (cp *CUEParser) loadPackage(dir string) (cue.Value, []string, error) {
	insts := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(insts) == 0 {
		return cue.Value{}, nil, fmt.Errorf("no CUE files in %s", dir)
	}
	inst := insts[0]
	if inst.Err != nil {
		return cue.Value{}, nil, inst.Err
	}
	files := make([]string, 0, len(inst.Files))
	for _, f := range inst.Files {
		if f.Filename != "" {
			files = append(files, f.Filename)
		}
	}
	val := cp.schemas.Context().BuildInstance(inst)
	return val, files, val.Err()
}

// decode unifies val with the run schema, decodes the run strictly and
// validates it.
func (cp *CUEParser) decode(val cue.Value, files []string) *ParsedConfig {
	pc := &ParsedConfig{SourceFiles: files, ParsedAt: time.Now()}
	fail := func(errs ...ValidationError) *ParsedConfig {
		pc.Errors = append(pc.Errors, errs...)
		return pc
	}

	if run := val.LookupPath(cue.ParsePath("run")); run.Exists() {
		val = run
	}
	unified, err := cp.schemas.Unify("run", val)
	if err != nil {
		return fail(cueErrors(err, "")...)
	}
	raw, err := unified.MarshalJSON()
	if err != nil {
		return fail(cueErrors(err, "")...)
	}

	run := &RunConfig{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(run); err != nil {
		return fail(ValidationError{Message: "decode run: " + err.Error(), Severity: "error"})
	}
	run.ApplyDefaults()
	if err := cp.validate.Struct(run); err != nil {
		return fail(structErrors(err)...)
	}
	if err := run.checkConsistency(); err != nil {
		return fail(ValidationError{Message: err.Error(), Severity: "error"})
	}
	pc.Run = run
	return pc
}

// cueErrors flattens a CUE error list. Each error is placed at its first
// position outside the built-in schema, if it has one; file is used when
// it has none at all.
func cueErrors(err error, file string) []ValidationError {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return []ValidationError{{File: file, Message: err.Error(), Severity: "error"}}
	}
	out := make([]ValidationError, 0, len(list))
	for _, e := range list {
		ve := ValidationError{
			File:     file,
			Path:     strings.Join(e.Path(), "."),
			Message:  cueerrors.Details(e, nil),
			Severity: "error",
		}
		for i, pos := range cueerrors.Positions(e) {
			if i > 0 && pos.Filename() == schemaFilename {
				continue
			}
			ve.File, ve.Line, ve.Column = pos.Filename(), pos.Line(), pos.Column()
			if pos.Filename() != schemaFilename {
				break
			}
		}
		out = append(out, ve)
	}
	return out
}
