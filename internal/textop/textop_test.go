package textop

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var samples = []string{ //nolint:gochecknoglobals // test data
	"",
	"hola",
	"hola mundo como estas",
	"  Hola   Mundo \t",
	"ÁRBOL ñandú",
	"they're 42 bill's friends",
	"x",
}

func TestProcess(t *testing.T) {
	e := New()
	tests := []struct {
		payload string
		want    string
	}{
		{"mayusculas:hola", "HOLA"},
		{"MAYUSCULAS:hola", "HOLA"},
		{"minusculas:HoLa", "hola"},
		{"invertir:hola", "aloh"},
		{"longitud:hola mundo", "10"},
		{"longitud:ñandú", "5"},
		{"capitalizar:hOLA MUNDO", "Hola mundo"},
		{"titulo:hola mundo", "Hola Mundo"},
		{"titulo:they're bill's", "They're Bill's"},
		{"intercambiar_caso:Hola Mundo", "hOLA mUNDO"},
		{"contar_palabras:hola mundo como estas", "4"},
		{"contar_palabras:", "0"},
		{"recortar:  hola  ", "hola"},
		{"mayusculas:a:b", "A:B"},
		{"bogus:texto", "ERROR: unknown command 'bogus'"},
		{"sin separador", "ERROR: invalid format, expected 'command:text'"},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Process(tt.payload))
		})
	}
}

func TestUnknownIsError(t *testing.T) {
	reply := New().Process("bogus:texto")
	assert.True(t, IsError(reply))
	assert.Contains(t, reply, "bogus")
}

func TestHelp(t *testing.T) {
	e := New()
	help := e.Process("ayuda:")
	for _, op := range e.Operations() {
		assert.Contains(t, help, op.ID)
	}
	assert.NotContains(t, help, OpHelp)
	require.NoError(t, e.Validate())
}

func TestValidateDetectsMismatch(t *testing.T) {
	e := New()
	e.ops["extra"] = Operation{ID: "extra", fn: strings.ToUpper}
	e.order = append(e.order, "extra")
	assert.ErrorIs(t, e.Validate(), ErrHelpMismatch)
}

func TestDeterministic(t *testing.T) {
	e := New()
	for _, op := range e.Operations() {
		for _, s := range samples {
			assert.Equal(t, e.Apply(op.ID, s), e.Apply(op.ID, s), op.ID)
		}
	}
}

func TestReverseInvolution(t *testing.T) {
	for _, s := range samples {
		assert.Equal(t, s, Reverse(Reverse(s)))
	}
}

func TestCaseIdempotent(t *testing.T) {
	for _, s := range samples {
		assert.Equal(t, Upper(s), Upper(Upper(s)))
		assert.Equal(t, Lower(s), Lower(Lower(s)))
	}
}

func TestWordCount(t *testing.T) {
	for _, s := range samples {
		assert.Equal(t, len(strings.Fields(s)), mustAtoi(t, WordCount(s)), s)
	}
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)

	return n
}
