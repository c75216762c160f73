package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		context    map[string]interface{}
		wantPassed bool
		wantErrors map[string]string
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Valid true expression",
			expression: "age > 18",
			context:    map[string]interface{}{"age": 25},
			wantPassed: true,
		},
		{
			name:       "Valid false expression",
			expression: "age < 18",
			context:    map[string]interface{}{"age": 25},
			wantPassed: false,
		},
		{
			name:       "Map result with errors is a rejection",
			expression: `{"errors": {"amount": "Amount is required."}}`,
			context:    map[string]interface{}{},
			wantPassed: false,
			wantErrors: map[string]string{"amount": "Amount is required."},
		},
		{
			name:       "Map result without errors passes",
			expression: `{"note": "checked"}`,
			context:    map[string]interface{}{},
			wantPassed: true,
		},
		{
			name:       "Non-boolean scalar result",
			expression: "age + 5",
			context:    map[string]interface{}{"age": 25},
			wantErr:    true,
			errMsg:     "did not evaluate to a boolean or error map",
		},
		{
			name:       "Invalid expression",
			expression: "age >>> 18",
			context:    map[string]interface{}{"age": 25},
			wantErr:    true,
			errMsg:     "unexpected token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := evaluator.Evaluate(tt.expression, tt.context)
			if tt.wantErr {
				assert.Error(t, err, "Evaluate() should return an error")
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg, "Error message should match")
				}
				return
			}
			assert.NoError(t, err, "Evaluate() should not return an error")
			assert.Equal(t, tt.wantPassed, verdict.Passed, "Passed should match")
			if tt.wantErrors == nil {
				assert.False(t, verdict.Rejected(), "verdict should carry no field errors")
			} else {
				assert.Equal(t, tt.wantErrors, verdict.Errors, "field errors should match")
			}
		})
	}

	// Caching: evaluating the same expression twice stays consistent.
	t.Run("Caching works", func(t *testing.T) {
		expr := "score > 10"
		context := map[string]interface{}{"score": 15}

		verdict1, err1 := evaluator.Evaluate(expr, context)
		assert.NoError(t, err1)
		assert.True(t, verdict1.Passed)

		verdict2, err2 := evaluator.Evaluate(expr, context)
		assert.NoError(t, err2)
		assert.True(t, verdict2.Passed)
	})

	// Concurrency: multiple goroutines evaluating expressions.
	t.Run("Concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		numGoroutines := 100
		expr := "value > 0"
		context := map[string]interface{}{"value": 42}

		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func() {
				defer wg.Done()
				verdict, err := evaluator.Evaluate(expr, context)
				assert.NoError(t, err)
				assert.True(t, verdict.Passed)
			}()
		}
		wg.Wait()
	})

	// Option funcs expose helpers computed from the context.
	t.Run("Option funcs", func(t *testing.T) {
		ev := NewExprEvaluator()
		ev.AddOptionFunc("total", func(ctx map[string]interface{}) interface{} {
			a, _ := ctx["a"].(int)
			b, _ := ctx["b"].(int)
			return a + b
		})

		verdict, err := ev.Evaluate("total == 7", map[string]interface{}{"a": 3, "b": 4})
		assert.NoError(t, err)
		assert.True(t, verdict.Passed)
	})
}

// BenchmarkEvaluate benchmarks the performance of Evaluate with caching.
func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	expression := "x > 5"
	context := map[string]interface{}{"x": 10}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate(expression, context)
	}
}
