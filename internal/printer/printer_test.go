package printer

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/hay-kot/criterio"
	"github.com/stretchr/testify/assert"
)

func TestPrinter_PlainWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)

	p.Successf("listening on %s", "127.0.0.1:7000")
	p.FailItem("port", "out of range")

	assert.Equal(t, Check+" listening on 127.0.0.1:7000\n  "+Cross+" port: out of range\n", buf.String())
	assert.NotContains(t, buf.String(), "\033[")
}

func TestPrinter_FatalErrorFieldErrors(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)

	var errs criterio.FieldErrorsBuilder
	errs = errs.Append("port", errors.New("must be between 0 and 65535"))
	p.FatalError(fmt.Errorf("invalid config: %w", errs.ToError()))

	out := buf.String()
	assert.Contains(t, out, "╭ Validation Error")
	assert.Contains(t, out, "invalid config")
	assert.Contains(t, out, Cross+" port: must be between 0 and 65535")
}

func TestPrinter_FatalErrorPlain(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).FatalError(errors.New("boom"))
	assert.Equal(t, "╭ Error\n│ boom\n╵\n", buf.String())

	buf.Reset()
	New(&buf).FatalError(nil)
	assert.Empty(t, buf.String())
}
