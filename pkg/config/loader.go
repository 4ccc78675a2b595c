package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// Load reads and validates the CUE configuration file at path. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return Parse(content, path)
}

// Default returns the configuration produced by an empty file.
func Default() *Config {
	cfg, err := Parse(nil, "default")
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema is invalid: %v", err))
	}
	return cfg
}

// Parse unifies src with the configuration schema, resolves defaults and
// validates the result.
func Parse(src []byte, filename string) (*Config, error) {
	ctx := cuecontext.New()

	schemaVal := ctx.CompileString(schema, cue.Filename("schema.cue"))
	if err := schemaVal.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	userVal := ctx.CompileBytes(src, cue.Filename(filename))
	if err := userVal.Err(); err != nil {
		return nil, &Error{Errors: convertCUEErrors(err)}
	}

	val := schemaVal.LookupPath(cue.ParsePath("#Config")).Unify(userVal)
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, &Error{Errors: convertCUEErrors(err)}
	}

	data, err := val.MarshalJSON()
	if err != nil {
		return nil, &Error{Errors: convertCUEErrors(err)}
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := validateStruct(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// convertCUEErrors converts CUE errors to validation errors.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError

	for _, e := range errors.Errors(err) {
		var (
			file         string
			line, column int
		)
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		out = append(out, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(errors.Details(e, nil)),
		})
	}

	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

var structValidator = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// validateStruct applies the cross-field rules CUE cannot express as
// simply, such as a DSN being required only for postgres.
func validateStruct(cfg *Config) error {
	err := structValidator.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return fmt.Errorf("failed to validate config: %w", err)
	}

	out := &Error{}
	for _, fe := range verrs {
		// Namespace is "Config.store.dsn"; drop the root type name.
		_, path, _ := strings.Cut(fe.Namespace(), ".")
		out.Errors = append(out.Errors, ValidationError{
			Path:    path,
			Message: describe(fe),
		})
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "hostname_port":
		return "must be a host:port address"
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
		}
		return "failed " + fe.Tag()
	}
}
