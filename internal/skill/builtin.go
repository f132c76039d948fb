package skill

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Builtins is the static table of skills shipped with the service.
func Builtins() []Definition {
	return []Definition{
		Planner(),
		StreamDemo(),
	}
}

// NewBuiltinRegistry builds the process registry from Builtins.
func NewBuiltinRegistry(logger *slog.Logger) (*Registry, error) {
	return NewRegistry(logger, Builtins()...)
}

// PlannerGreeting is the planner's fixed reply.
const PlannerGreeting = "Hello, world!"

// Planner is the example planning skill. It answers every query with a
// single fixed message.
func Planner() Definition {
	return Definition{
		Name:        "planner",
		Description: "Plan the next steps for a query.",
		Input: InputSchema{Fields: []Field{
			{Name: "query", Type: TypeString, Required: true, Description: "The user query."},
			{Name: "images", Type: TypeArray, Items: TypeString, Description: "Image URLs attached to the query."},
		}},
		Build: func(map[string]any) (*Graph, error) {
			g := NewGraph().
				AddNode("planner", func(_ context.Context, st *State, emit Emitter) error {
					st.AddMessage("assistant", PlannerGreeting)
					return emit.Token(PlannerGreeting)
				}).
				AddEdge(Start, "planner").
				AddEdge("planner", End)
			return g, nil
		},
	}
}

// StreamDemo drafts a numbered line per repetition and then summarizes.
// It exists to exercise incremental delivery.
func StreamDemo() Definition {
	return Definition{
		Name:        "stream-demo",
		Description: "Stream numbered lines about a topic, then a summary.",
		Input: InputSchema{Fields: []Field{
			{Name: "topic", Type: TypeString, Required: true, Description: "What to write about."},
		}},
		Config: ConfigSchema{Items: []ConfigItem{
			{Key: "repeat", Type: TypeNumber, Default: 3, Description: "Number of lines to stream."},
			{Key: "delay_ms", Type: TypeNumber, Default: 0, Description: "Pause before each line."},
		}},
		Build: func(cfg map[string]any) (*Graph, error) {
			repeat := intValue(cfg, "repeat", 3)
			if repeat < 1 || repeat > 1000 {
				return nil, fmt.Errorf("repeat must be between 1 and 1000, got %d", repeat)
			}
			delay := time.Duration(intValue(cfg, "delay_ms", 0)) * time.Millisecond

			draft := func(ctx context.Context, st *State, emit Emitter) error {
				lines := make([]string, 0, repeat)
				for i := range repeat {
					if delay > 0 {
						t := time.NewTimer(delay)
						select {
						case <-ctx.Done():
							t.Stop()
							return ctx.Err()
						case <-t.C:
						}
					}
					line := fmt.Sprintf("%s %d", st.String("topic"), i+1)
					if err := emit.Token(line); err != nil {
						return err
					}
					lines = append(lines, line)
				}
				st.Set("lines", lines)
				return nil
			}
			finish := func(_ context.Context, st *State, emit Emitter) error {
				lines, _ := st.Values["lines"].([]string)
				st.AddMessage("assistant", strings.Join(lines, "\n"))
				return emit.Structured("summary", map[string]any{
					"topic": st.String("topic"),
					"lines": len(lines),
				})
			}

			return NewGraph().
				AddNode("draft", draft).
				AddNode("finish", finish).
				AddEdge(Start, "draft").
				AddEdge("draft", "finish").
				AddEdge("finish", End), nil
		},
	}
}
