package filter

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
	"github.com/ras0q/traq-scheduled-send/internal/repository"
)

type CELInput struct {
	Message repository.ScheduledMessage
	Now     time.Time
}

var CELEnv, _ = cel.NewEnv(
	cel.Variable("input", cel.ObjectType("filter.CELInput")),
	ext.NativeTypes(
		reflect.TypeFor[CELInput](),
		reflect.TypeFor[repository.ScheduledMessage](),
	),
)

// DefaultCELFilter lets every due message through.
const DefaultCELFilter string = `true`

// Filter decides whether a due message is actually sent.
type Filter struct {
	Source  string
	program cel.Program
}

// Compile checks celProgram once so evaluation on every tick cannot fail to parse.
func Compile(celProgram string) (*Filter, error) {
	if celProgram == "" {
		celProgram = DefaultCELFilter
	}

	ast, iss := CELEnv.Compile(celProgram)
	if err := iss.Err(); err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("compile filter: output of the program must be a boolean type, got %s", ast.OutputType())
	}

	prg, err := CELEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build filter program: %w", err)
	}

	return &Filter{Source: celProgram, program: prg}, nil
}

func (f *Filter) Allow(ctx context.Context, input CELInput) (bool, error) {
	output, _, err := f.program.ContextEval(ctx, map[string]any{"input": input})
	if err != nil {
		return false, err
	}

	outputBool, ok := output.Value().(bool)
	if !ok {
		return false, fmt.Errorf("output of the program must be a boolean type")
	}

	return outputBool, nil
}
