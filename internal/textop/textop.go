// Package textop holds the text operations served by the RPC worker.
//
// A command payload has the form "operation:text". The operation name is
// matched case-insensitively; the text is everything after the first colon.
// Failures are returned as reply text starting with ErrorPrefix, never as Go errors.
package textop

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"emperror.dev/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	ErrorPrefix = "ERROR:"
	Separator   = ":"

	OpUpper      = "mayusculas"
	OpLower      = "minusculas"
	OpReverse    = "invertir"
	OpLength     = "longitud"
	OpCapitalize = "capitalizar"
	OpTitle      = "titulo"
	OpSwapCase   = "intercambiar_caso"
	OpWordCount  = "contar_palabras"
	OpTrim       = "recortar"
	OpHelp       = "ayuda"

	helpPrefix = "Available commands: "
	helpText   = helpPrefix + "mayusculas, minusculas, invertir, longitud, capitalizar, titulo, intercambiar_caso, contar_palabras, recortar"
)

var ErrHelpMismatch = errors.NewPlain("help listing does not match operations")

// Func is a pure text transformation.
type Func func(text string) string

// Operation is an entry of the operation catalog.
type Operation struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	fn Func
}

// Engine dispatches operation names to their functions. It has no mutable state.
type Engine struct {
	ops   map[string]Operation
	order []string
}

func New() *Engine {
	catalog := []Operation{
		{ID: OpUpper, Name: "UPPERCASE", Description: "Converts the whole text to upper case", fn: Upper},
		{ID: OpLower, Name: "lowercase", Description: "Converts the whole text to lower case", fn: Lower},
		{ID: OpReverse, Name: "Reverse", Description: "Reverses the order of the characters", fn: Reverse},
		{ID: OpLength, Name: "Length", Description: "Counts the characters of the text", fn: Length},
		{ID: OpCapitalize, Name: "Capitalize", Description: "Upper cases the first letter, lower cases the rest", fn: Capitalize},
		{ID: OpTitle, Name: "Title Case", Description: "Upper cases the first letter of each word", fn: Title},
		{ID: OpSwapCase, Name: "sWAP cASE", Description: "Swaps upper and lower case letters", fn: SwapCase},
		{ID: OpWordCount, Name: "Word count", Description: "Counts the whitespace separated words", fn: WordCount},
		{ID: OpTrim, Name: "Trim", Description: "Removes leading and trailing whitespace", fn: strings.TrimSpace},
	}
	e := &Engine{ops: make(map[string]Operation, len(catalog)+1)}
	for _, op := range catalog {
		e.ops[op.ID] = op
		e.order = append(e.order, op.ID)
	}
	e.ops[OpHelp] = Operation{ID: OpHelp, Name: "Help", Description: "Lists the available commands", fn: func(string) string {
		return helpText
	}}

	return e
}

// Process parses an "operation:text" payload and applies the operation.
func (e *Engine) Process(payload string) string {
	op, text, found := strings.Cut(payload, Separator)
	if !found {
		return ErrorPrefix + " invalid format, expected 'command:text'"
	}

	return e.Apply(op, text)
}

// Apply runs the named operation on text.
func (e *Engine) Apply(op string, text string) string {
	name := strings.ToLower(strings.TrimSpace(op))
	operation, has := e.ops[name]
	if !has {
		return fmt.Sprintf("%s unknown command '%s'", ErrorPrefix, name)
	}

	return operation.fn(text)
}

// Operations returns the catalog without the help entry, in display order.
func (e *Engine) Operations() []Operation {
	ops := make([]Operation, 0, len(e.order))
	for _, id := range e.order {
		ops = append(ops, e.ops[id])
	}

	return ops
}

func (e *Engine) Help() string {
	return e.Apply(OpHelp, "")
}

// Validate checks that the help listing names exactly the dispatchable operations.
func (e *Engine) Validate() error {
	listed := strings.Split(strings.TrimPrefix(e.Help(), helpPrefix), ", ")
	sort.Strings(listed)
	known := append([]string(nil), e.order...)
	sort.Strings(known)
	if strings.Join(listed, ",") != strings.Join(known, ",") {
		return errors.WithDetails(ErrHelpMismatch, "listed", listed, "known", known)
	}

	return nil
}

// IsError reports whether a reply is an error description.
func IsError(reply string) bool {
	return strings.HasPrefix(reply, ErrorPrefix)
}

func Upper(text string) string {
	return cases.Upper(language.Und).String(text)
}

func Lower(text string) string {
	return cases.Lower(language.Und).String(text)
}

// Title capitalizes each word. An apostrophe does not start a new word: "they're" is "They're".
func Title(text string) string {
	return cases.Title(language.Und).String(text)
}

func Reverse(text string) string {
	runes := []rune(text)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}

	return string(runes)
}

func Length(text string) string {
	return strconv.Itoa(utf8.RuneCountInString(text))
}

func Capitalize(text string) string {
	first, size := utf8.DecodeRuneInString(text)
	if size == 0 {
		return text
	}

	return string(unicode.ToUpper(first)) + Lower(text[size:])
}

func SwapCase(text string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsUpper(r):
			return unicode.ToLower(r)
		case unicode.IsLower(r):
			return unicode.ToUpper(r)
		default:
			return r
		}
	}, text)
}

func WordCount(text string) string {
	return strconv.Itoa(len(strings.Fields(text)))
}
