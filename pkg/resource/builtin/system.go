package builtin

import (
	"context"

	"github.com/ziebelje/cora/pkg/resource"
)

func System(env *resource.Env) resource.Resource {
	return resource.Methods{
		"ping": func(ctx context.Context, args resource.Args) (any, error) {
			return "pong", nil
		},
		"time": func(ctx context.Context, args resource.Args) (any, error) {
			return env.Clock().Unix(), nil
		},
		"echo": func(ctx context.Context, args resource.Args) (any, error) {
			return args.Value(0), nil
		},
	}
}
