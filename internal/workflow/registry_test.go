package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(standardTemplate(nil)))

	tmpl, err := reg.Get("standard_payment")
	require.NoError(t, err)
	assert.Len(t, tmpl.Steps, 6)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestRegistry_RejectsInvalidTemplates(t *testing.T) {
	tests := []struct {
		name string
		tmpl Template
	}{
		{"no name", Template{Steps: []StepSpec{{ID: "a", Step: okStep("a")}}}},
		{"no steps", Template{Name: "empty"}},
		{"nil handler", Template{Name: "t", Steps: []StepSpec{{ID: "a"}}}},
		{"no id", Template{Name: "t", Steps: []StepSpec{{Step: okStep("a")}}}},
		{"duplicate id", Template{Name: "t", Steps: []StepSpec{
			{ID: "a", Step: okStep("a")},
			{ID: "a", Step: okStep("b")},
		}}},
		{"negative retries", Template{Name: "t", Steps: []StepSpec{{ID: "a", Step: okStep("a"), MaxRetries: -1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Register(tt.tmpl)
			assert.ErrorIs(t, err, ErrInvalidTemplate)
		})
	}
}

func TestRegistry_MustRegisterPanics(t *testing.T) {
	assert.Panics(t, func() { NewRegistry().MustRegister(Template{}) })
}

func TestRegistry_RegisterCopiesSteps(t *testing.T) {
	reg := NewRegistry()
	tmpl := standardTemplate(nil)
	require.NoError(t, reg.Register(tmpl))

	tmpl.Steps[0].ID = "mutated"

	got, err := reg.Get("standard_payment")
	require.NoError(t, err)
	assert.Equal(t, "validation", got.Steps[0].ID)
}

func TestRegistry_List(t *testing.T) {
	reg := NewRegistry()
	auth := &compensatingStep{funcStep: funcStep{typ: "authorization"}, log: &callLog{}}
	require.NoError(t, reg.Register(standardTemplate(map[string]Step{"authorization": auth})))
	require.NoError(t, reg.Register(Template{
		Name:  "express_payment",
		Steps: []StepSpec{{ID: "express_processing", Name: "Express", Step: okStep("express_processing"), MaxRetries: 5}},
	}))

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "express_payment", list[0].Name)
	assert.Equal(t, "standard_payment", list[1].Name)

	assert.Equal(t, StepType("express_processing"), list[0].Steps[0].Type)
	assert.Equal(t, 5, list[0].Steps[0].MaxRetries)
	assert.False(t, list[0].Steps[0].Compensable)
	assert.True(t, list[1].Steps[2].Compensable)
	assert.False(t, list[1].Steps[1].Compensable)
}
