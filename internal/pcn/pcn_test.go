package pcn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterAndVerifyMath(t *testing.T) {
	v := NewVerifier()

	ev := v.Register("tok-1", Policy{Type: "math", Tolerance: 0.01}, MathProvenance("6*7"))
	assert.Equal(t, EventPending, ev.Type)
	assert.Equal(t, StatusPending, v.StatusFor("tok-1"))

	ev = v.VerifyMath("tok-1", "6*7", 42)
	assert.Equal(t, EventVerified, ev.Type)
	assert.Equal(t, "42", ev.Value)
	assert.Equal(t, StatusVerified, v.StatusFor("tok-1"))
	assert.Equal(t, "42", v.ValueFor("tok-1"))
}

func TestVerifyMathToleranceExceeded(t *testing.T) {
	v := NewVerifier()
	v.Register("tok-1", Policy{Tolerance: 0.1}, nil)

	ev := v.VerifyMath("tok-1", "10/4", 2.7)
	assert.Equal(t, EventFailed, ev.Type)
	assert.Contains(t, ev.Reason, "differs")
	assert.Empty(t, v.ValueFor("tok-1"))
}

func TestVerifyMathBadExpression(t *testing.T) {
	v := NewVerifier()
	v.Register("tok-1", Policy{}, nil)
	ev := v.VerifyMath("tok-1", "import os", 0)
	assert.Equal(t, EventFailed, ev.Type)
}

func TestVerifyMathUnits(t *testing.T) {
	v := NewVerifier()
	v.Register("pct", Policy{Units: "%"}, nil)
	ev := v.VerifyMath("pct", "50+75", 125)
	assert.Equal(t, EventFailed, ev.Type)
	assert.Contains(t, ev.Reason, "invalid_units")

	v.Register("ok", Policy{Units: "kg"}, nil)
	ev = v.VerifyMath("ok", "2*3", 6)
	assert.Equal(t, EventVerified, ev.Type)
}

func TestVerifySQL(t *testing.T) {
	v := NewVerifier()
	v.Register("rows", Policy{Type: "sql"}, SQLProvenance("SELECT COUNT(*) FROM trials"))

	ev := v.VerifySQL("rows", "128")
	assert.Equal(t, EventVerified, ev.Type)
	assert.Equal(t, "128", ev.Value)

	v.Register("bad", Policy{}, nil)
	ev = v.VerifySQL("bad", "many")
	assert.Equal(t, EventFailed, ev.Type)
	assert.Contains(t, ev.Reason, "not numeric")
}

func TestVerifyURLAndFail(t *testing.T) {
	v := NewVerifier()
	v.Register("src", Policy{Type: "url"}, URLProvenance("https://example.com/report"))

	ev := v.VerifyURL("src", "https://example.com/report")
	assert.Equal(t, EventVerified, ev.Type)
	assert.Equal(t, "https://example.com/report", v.ValueFor("src"))

	ev = v.Fail("src", "revoked")
	assert.Equal(t, EventFailed, ev.Type)
	assert.Empty(t, v.ValueFor("src"))
}

func TestUnknownTokenAutoRegisters(t *testing.T) {
	v := NewVerifier()
	ev := v.VerifySQL("ghost", "7")
	assert.Equal(t, EventVerified, ev.Type)
	assert.Equal(t, "7", v.ValueFor("ghost"))
}

func TestUnresolved(t *testing.T) {
	v := NewVerifier()
	v.Register("a", Policy{}, nil)
	v.Register("b", Policy{}, nil)
	v.VerifyMath("b", "1+1", 2)
	v.Register("c", Policy{}, nil)
	v.Fail("c", "timeout")

	unresolved := v.Unresolved()
	assert.ElementsMatch(t, []string{"a", "c"}, unresolved)
}

func TestResolvePlaceholders(t *testing.T) {
	v := NewVerifier()
	v.Register("m1", Policy{}, nil)
	v.VerifyMath("m1", "12*12", 144)
	v.Register("m2", Policy{}, nil)

	text := "The grid holds [PCN:m1] cells, of which [PCN:m2] are active."
	resolved := v.ResolvePlaceholders(text)
	assert.Equal(t, "The grid holds 144 cells, of which [unverified] are active.", resolved)

	ids := Placeholders(text)
	assert.Equal(t, []string{"m1", "m2"}, ids)
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "42", FormatNumber(42.0))
	assert.Equal(t, "-3", FormatNumber(-3))
	assert.Equal(t, "2.5", FormatNumber(2.5))
	assert.Equal(t, "0.333333", FormatNumber(1.0/3.0))
}

func TestValidateNumericUnit(t *testing.T) {
	assert.True(t, ValidateNumericUnit(10, ""))
	assert.True(t, ValidateNumericUnit(10, "kg"))
	assert.True(t, ValidateNumericUnit(99, "%"))
	assert.False(t, ValidateNumericUnit(150, "%"))
	assert.False(t, ValidateNumericUnit(-1, "count"))
	assert.False(t, ValidateNumericUnit(10, "parsecs"))
}
