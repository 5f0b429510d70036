package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileAndRender(t *testing.T) {
	c, err := Compile("svc", "pub struct {{pascal .Name}};\n")
	require.NoError(t, err)

	out, err := c.Render(map[string]string{"Name": "/billing-service"})
	require.NoError(t, err)
	assert.Equal(t, "pub struct BillingService;\n", out)
}

func TestCompile_ErrorCarriesLine(t *testing.T) {
	src := "line one\n{{if .X}}\nno end\n"
	_, err := Compile("broken", src)
	require.Error(t, err)

	ce, ok := err.(*CompileError)
	require.True(t, ok, "expected *CompileError, got %T", err)
	assert.Equal(t, "broken", ce.Template)
	assert.Positive(t, ce.Line)
	assert.NotEmpty(t, ce.Detail)
}

func TestRender_Deterministic(t *testing.T) {
	c, err := Compile("rows", "{{range .Rows}}{{.Name}},{{end}}")
	require.NoError(t, err)

	data := map[string]interface{}{
		"Rows": []map[string]string{{"Name": "a"}, {"Name": "b"}},
	}

	first, err := c.Render(data)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := c.Render(data)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestRender_MissingFieldFails(t *testing.T) {
	c, err := Compile("strict", "{{.Absent.Inner}}")
	require.NoError(t, err)

	_, err = c.Render(map[string]string{"Name": "x"})
	assert.Error(t, err)
}

func TestFuncs(t *testing.T) {
	cases := []struct {
		tmpl string
		want string
	}{
		{`{{lower "ABC"}}`, "abc"},
		{`{{upper "abc"}}`, "ABC"},
		{`{{trimPrefix "/" "/name"}}`, "name"},
		{`{{trimSuffix ".rs" "a.rs"}}`, "a"},
		{`{{replace "-" "_" "a-b-c"}}`, "a_b_c"},
		{`{{pascal "billing_service"}}`, "BillingService"},
		{`{{snake "BillingService"}}`, "billing_service"},
		{`{{snake "/billing-service"}}`, "billing_service"},
	}

	for _, tc := range cases {
		c, err := Compile("f", tc.tmpl)
		require.NoError(t, err, tc.tmpl)
		out, err := c.Render(nil)
		require.NoError(t, err, tc.tmpl)
		assert.Equal(t, tc.want, out, tc.tmpl)
	}
}
