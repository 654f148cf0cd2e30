// Package adapters turns typed Go functions into engine tools with strict
// parameter decoding and failure containment.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/dragonscale-assist"
)

// structValidator is shared by every adapter; validator.Validate caches struct
// metadata and is safe for concurrent use.
var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// TypedFunc executes an operation with decoded and validated parameters.
type TypedFunc[P any] func(ctx context.Context, params P, tc dragonscale.ToolContext) dragonscale.ToolOutcome

// GoToolAdapter adapts a typed Go function to the dragonscale.Tool interface.
// The loose parameter map is strictly decoded into P, validated with the
// struct's `validate` tags, and only then handed to the function. Every
// failure, including a panic, comes back as an error outcome.
type GoToolAdapter[P any] struct {
	def    dragonscale.ToolDefinition
	fn     TypedFunc[P]
	logger *zap.Logger
}

type toolConfig struct {
	def    dragonscale.ToolDefinition
	logger *zap.Logger
}

// ToolOption represents an option for configuring a GoToolAdapter.
type ToolOption func(*toolConfig)

// WithDescription sets the description advertised to the reasoning service.
func WithDescription(description string) ToolOption {
	return func(c *toolConfig) {
		c.def.Description = description
	}
}

// WithKind sets the operation kind.
func WithKind(kind dragonscale.OperationKind) ToolOption {
	return func(c *toolConfig) {
		c.def.Kind = kind
	}
}

// WithParameters sets the ordered parameter specs.
func WithParameters(params ...dragonscale.ParamSpec) ToolOption {
	return func(c *toolConfig) {
		c.def.Parameters = append(c.def.Parameters, params...)
	}
}

// WithConstraints adds cross-field constraints checked before execution.
func WithConstraints(constraints ...dragonscale.Constraint) ToolOption {
	return func(c *toolConfig) {
		c.def.Constraints = append(c.def.Constraints, constraints...)
	}
}

// WithClarification marks the operation as one that may ask the user to
// disambiguate.
func WithClarification() ToolOption {
	return func(c *toolConfig) {
		c.def.MayRequireClarification = true
	}
}

// WithClarificationKind is WithClarification for an operation whose
// clarification requests carry kind.
func WithClarificationKind(kind string) ToolOption {
	return func(c *toolConfig) {
		c.def.MayRequireClarification = true
		c.def.ClarificationKind = kind
	}
}

// WithToolLogger sets the adapter logger.
func WithToolLogger(logger *zap.Logger) ToolOption {
	return func(c *toolConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewGoToolAdapter creates a new adapter for a typed Go function.
func NewGoToolAdapter[P any](name string, fn TypedFunc[P], options ...ToolOption) *GoToolAdapter[P] {
	cfg := toolConfig{
		def:    dragonscale.ToolDefinition{Name: name},
		logger: zap.NewNop(),
	}
	for _, option := range options {
		option(&cfg)
	}
	return &GoToolAdapter[P]{
		def:    cfg.def,
		fn:     fn,
		logger: cfg.logger.With(zap.String("operation", name)),
	}
}

// Definition implements dragonscale.Tool.
func (a *GoToolAdapter[P]) Definition() dragonscale.ToolDefinition {
	return a.def
}

// Execute implements dragonscale.Tool.
func (a *GoToolAdapter[P]) Execute(ctx context.Context, params map[string]interface{}, tc dragonscale.ToolContext) (outcome dragonscale.ToolOutcome) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("tool panicked", zap.String("request_id", tc.RequestID), zap.Any("panic", r))
			outcome = dragonscale.Failure(fmt.Sprintf("%s failed unexpectedly", a.def.Name))
		}
	}()

	if a.fn == nil {
		return dragonscale.Failure(fmt.Sprintf("%s is not implemented", a.def.Name))
	}

	typed, err := DecodeParams[P](params)
	if err != nil {
		a.logger.Debug("parameter decode failed", zap.String("request_id", tc.RequestID), zap.Error(err))
		return dragonscale.Failure(fmt.Sprintf("invalid parameters for %s: %v", a.def.Name, err))
	}

	return a.fn(ctx, typed, tc)
}

// DecodeParams strictly decodes a parameter map into P and validates it.
// Unknown fields and type mismatches are errors.
func DecodeParams[P any](params map[string]interface{}) (P, error) {
	var typed P
	if params == nil {
		params = map[string]interface{}{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return typed, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&typed); err != nil {
		return typed, err
	}

	if reflect.Indirect(reflect.ValueOf(&typed)).Kind() != reflect.Struct {
		return typed, nil
	}
	if err := structValidator.Struct(typed); err != nil {
		return typed, describeValidation(err)
	}
	return typed, nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("'%s' failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("'%s' failed %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(parts, "; "))
}
