package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/agentcore/internal/memory"
)

// Builtins returns the tool set every run gets: memory access and echo.
// They double as reference implementations of the full tool contract
// (schemas, preconditions, reversible effects).
func Builtins(mem *memory.Store) []*Tool {
	return []*Tool{
		{
			Name:        "echo",
			Description: "echo text back, useful to record a note or answer directly",
			Args: map[string]ArgSpec{
				"text": {Type: ArgString, Required: true, Description: "text to echo"},
			},
			Risk: RiskLow,
			Handler: func(ctx context.Context, args map[string]any, ec ExecContext) (any, error) {
				return args["text"], nil
			},
		},
		{
			Name:        "memory_write",
			Description: "write a value into a memory scope (working, shortterm, longterm, episodic)",
			Args: map[string]ArgSpec{
				"scope":  {Type: ArgString, Required: true, Description: "target scope"},
				"key":    {Type: ArgString, Required: true},
				"value":  {Type: ArgString, Required: true},
				"ttl_ms": {Type: ArgNumber, Description: "optional TTL in milliseconds"},
			},
			Risk: RiskLow,
			Preconditions: []Precondition{{
				Name: "scope exists",
				Check: func(ctx context.Context, args map[string]any, ec ExecContext) error {
					return checkScope(args)
				},
			}},
			Effects: []Effect{{
				Type:       EffectCreate,
				Target:     "memory",
				Reversible: true,
				Rollback: func(ctx context.Context, args map[string]any) error {
					scope, _ := args["scope"].(string)
					key, _ := args["key"].(string)
					mem.Delete(memory.Scope(scope), key)
					return nil
				},
			}},
			Handler: func(ctx context.Context, args map[string]any, ec ExecContext) (any, error) {
				var ttl time.Duration
				if ms, ok := args["ttl_ms"].(float64); ok {
					ttl = time.Duration(ms) * time.Millisecond
				}
				scope := args["scope"].(string)
				key := args["key"].(string)
				if err := mem.Write(memory.Scope(scope), key, args["value"].(string), ttl); err != nil {
					return nil, err
				}
				return fmt.Sprintf("stored %s/%s", scope, key), nil
			},
		},
		{
			Name:        "memory_read",
			Description: "read a value from a memory scope by key",
			Args: map[string]ArgSpec{
				"scope": {Type: ArgString, Required: true},
				"key":   {Type: ArgString, Required: true},
			},
			Risk: RiskLow,
			Preconditions: []Precondition{{
				Name: "scope exists",
				Check: func(ctx context.Context, args map[string]any, ec ExecContext) error {
					return checkScope(args)
				},
			}},
			Handler: func(ctx context.Context, args map[string]any, ec ExecContext) (any, error) {
				scope := args["scope"].(string)
				key := args["key"].(string)
				v, ok := mem.Read(memory.Scope(scope), key)
				if !ok {
					return nil, fmt.Errorf("no entry %s/%s", scope, key)
				}
				return v, nil
			},
		},
		{
			Name:        "memory_search",
			Description: "search a memory scope and retrieve the best matching entries",
			Args: map[string]ArgSpec{
				"scope": {Type: ArgString, Required: true},
				"query": {Type: ArgString, Required: true},
			},
			Risk: RiskLow,
			Preconditions: []Precondition{{
				Name: "scope exists",
				Check: func(ctx context.Context, args map[string]any, ec ExecContext) error {
					return checkScope(args)
				},
			}},
			Handler: func(ctx context.Context, args map[string]any, ec ExecContext) (any, error) {
				scope := args["scope"].(string)
				matches := mem.Search(memory.Scope(scope), args["query"].(string), 5)
				if len(matches) == 0 {
					return "no matches", nil
				}
				lines := make([]string, len(matches))
				for i, m := range matches {
					lines[i] = fmt.Sprintf("%s: %s", m.Key, m.Entry.Value)
				}
				return strings.Join(lines, "\n"), nil
			},
		},
	}
}

func checkScope(args map[string]any) error {
	scope, _ := args["scope"].(string)
	switch memory.Scope(scope) {
	case memory.ScopeWorking, memory.ScopeShortTerm, memory.ScopeLongTerm, memory.ScopeEpisodic:
		return nil
	}
	return fmt.Errorf("unknown scope %q", scope)
}
